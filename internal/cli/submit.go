package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"yqhp/coordinator/internal/api/rest"
	"yqhp/coordinator/pkg/jsonx"
)

var submitAddress string

var submitCmd = &cobra.Command{
	Use:   "submit <workflow.yaml>",
	Short: "Submit a workflow to a running coordinator",
	Long: `Submit reads a YAML workflow definition and posts it to the control
surface. The workflow is admitted as a carrier task and starts running
once the scheduler grants it a slot.`,
	Example: `  coordinator submit rollout.yaml
  coordinator submit --address http://coordinator.internal:8080 rollout.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitAddress, "address", "http://localhost:8080", "coordinator address")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}

	body, err := jsonx.Marshal(rest.WorkflowSubmitRequest{YAML: string(raw)})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	status, respBody, err := callAPI(submitAddress, fasthttp.MethodPost, "/api/v1/workflows", body)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusCreated {
		return apiError(status, respBody)
	}

	var out rest.WorkflowSubmitResponse
	if err := jsonx.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "workflow %q accepted\n", out.Name)
	fmt.Fprintf(w, "  instance: %s\n", out.InstanceID)
	fmt.Fprintf(w, "  watch:    %s/api/v1/workflows/%s\n", submitAddress, out.InstanceID)
	return nil
}
