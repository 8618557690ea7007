package toolgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// scriptExecutor runs a user-supplied JavaScript tool. The script is
// evaluated once per invocation in a fresh runtime so tools cannot leak
// state into each other.
type scriptExecutor struct {
	source     string
	entryPoint string
	timeout    time.Duration

	mu sync.Mutex
}

func newScriptExecutor(source, entryPoint string, timeout time.Duration) (*scriptExecutor, error) {
	if source == "" {
		return nil, fmt.Errorf("script source is required")
	}
	if entryPoint == "" {
		entryPoint = "main"
	}

	// Compile once up front so registration rejects syntax errors instead of
	// every caller hitting them at invocation time.
	if _, err := goja.Compile("tool.js", source, true); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	return &scriptExecutor{source: source, entryPoint: entryPoint, timeout: timeout}, nil
}

func (e *scriptExecutor) run(ctx context.Context, args map[string]any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-time.After(e.timeout):
			vm.Interrupt("execution timeout")
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
		case <-done:
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	if err := vm.Set("input", args); err != nil {
		return nil, fmt.Errorf("set input: %w", err)
	}

	var logs []string
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			logs = append(logs, arg.String())
		}
		return goja.Undefined()
	})
	vm.Set("console", console)

	if _, err := vm.RunString(e.source); err != nil {
		return nil, fmt.Errorf("script execution: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(e.entryPoint))
	if !ok {
		return nil, fmt.Errorf("script has no function %q", e.entryPoint)
	}

	result, err := entry(goja.Undefined(), vm.ToValue(args))
	if err != nil {
		return nil, fmt.Errorf("script %s(): %w", e.entryPoint, err)
	}

	out := map[string]any{"result": result.Export()}
	if len(logs) > 0 {
		out["logs"] = logs
	}
	return out, nil
}
