package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"yqhp/coordinator/internal/api/rest"
	"yqhp/coordinator/pkg/jsonx"
)

const apiTimeout = 15 * time.Second

var apiClient = &fasthttp.Client{
	ReadTimeout:  10 * time.Second,
	WriteTimeout: 10 * time.Second,
}

// callAPI performs one JSON request against a coordinator's control
// surface and returns the status code and a copy of the body.
func callAPI(address, method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(address, "/") + path)
	req.Header.SetMethod(method)
	if len(body) > 0 {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if err := apiClient.DoTimeout(req, resp, apiTimeout); err != nil {
		return 0, nil, fmt.Errorf("call %s: %w", path, err)
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

// getJSON fetches one control surface resource into v.
func getJSON(address, path string, v any) error {
	status, body, err := callAPI(address, fasthttp.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return apiError(status, body)
	}
	return jsonx.Unmarshal(body, v)
}

// apiError renders a non-2xx control surface answer.
func apiError(status int, body []byte) error {
	var er rest.ErrorResponse
	if err := jsonx.Unmarshal(body, &er); err == nil && er.Message != "" {
		return fmt.Errorf("%s (HTTP %d)", er.Message, status)
	}
	return fmt.Errorf("control surface answered HTTP %d", status)
}
