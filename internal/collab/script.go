package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

// ScriptWorkerName is the target name workflow steps address to run a
// script payload.
const ScriptWorkerName = "script"

// ScriptResult is the step result shape the script worker produces. The
// script's completion value lands under value so step contracts address
// it as $.value, the final vars state under vars, and captured console
// lines under console.
type ScriptResult struct {
	Value   any            `json:"value"`
	Vars    map[string]any `json:"vars,omitempty"`
	Console []string       `json:"console,omitempty"`
}

// ScriptWorker runs a step's script on a fresh sandboxed JS runtime per
// request. Step parameters are exposed as params, a vars object carries
// state out, and console output is captured into the result. The VM is
// interrupted when the request deadline lapses.
type ScriptWorker struct {
	lg *zap.Logger
}

// NewScriptWorker creates the script collaborator.
func NewScriptWorker(lg *zap.Logger) *ScriptWorker {
	return &ScriptWorker{lg: lg}
}

// Name implements Worker.
func (w *ScriptWorker) Name() string { return ScriptWorkerName }

// Handle implements Worker.
func (w *ScriptWorker) Handle(ctx context.Context, req *types.StepRequest) (any, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, errors.New("collab: step carries no script")
	}

	vm := goja.New()
	var console []string
	variables := make(map[string]any)
	setupConsole(vm, &console)
	setupVars(vm, variables)
	if err := vm.Set("params", req.Parameters); err != nil {
		return nil, fmt.Errorf("collab: bind params: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("step deadline reached")
		case <-done:
		}
	}()
	val, err := vm.RunString(req.Script)
	close(done)

	if len(console) > 0 {
		w.lg.Debug("script console",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("step", req.StepName),
			zap.Strings("lines", console))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("collab: script interrupted: %w", ctxErr)
		}
		return nil, fmt.Errorf("collab: script failed: %w", err)
	}

	res := ScriptResult{Console: console}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		res.Value = val.Export()
	}
	if len(variables) > 0 {
		res.Vars = variables
	}
	return res, nil
}

// setupConsole installs console.log/info/warn/error, capturing formatted
// lines into out.
func setupConsole(vm *goja.Runtime, out *[]string) {
	console := vm.NewObject()
	appendLine := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatValue(arg)
			}
			*out = append(*out, fmt.Sprintf("[%s] %s", level, strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", appendLine("LOG"))
	_ = console.Set("info", appendLine("INFO"))
	_ = console.Set("warn", appendLine("WARN"))
	_ = console.Set("error", appendLine("ERROR"))
	_ = vm.Set("console", console)
}

// setupVars installs the vars object over the given map so scripts can
// carry state into the step result.
func setupVars(vm *goja.Runtime, variables map[string]any) {
	vars := vm.NewObject()
	_ = vars.Set("get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		if v, ok := variables[call.Arguments[0].String()]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = vars.Set("set", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return goja.Undefined()
		}
		variables[call.Arguments[0].String()] = call.Arguments[1].Export()
		return goja.Undefined()
	})
	_ = vars.Set("has", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		_, ok := variables[call.Arguments[0].String()]
		return vm.ToValue(ok)
	})
	_ = vars.Set("del", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			delete(variables, call.Arguments[0].String())
		}
		return goja.Undefined()
	})
	_ = vars.Set("all", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(variables)
	})
	_ = vm.Set("vars", vars)
}

func formatValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}
	if goja.IsNull(val) {
		return "null"
	}
	exported := val.Export()
	switch v := exported.(type) {
	case string:
		return v
	case map[string]any, []any:
		b, err := jsonx.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
