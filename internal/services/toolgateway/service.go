// Package toolgateway implements the per-workspace tool-invocation gateway.
// It validates and rate-limits incoming tool calls, dispatches them to
// built-in or user-registered tools, and supports JavaScript tools executed
// in a sandboxed runtime.
package toolgateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for tool gateways.
const ServiceType = "tool-gateway"

// Handler executes one tool call. Arguments are the decoded "arguments"
// object of the invocation payload.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a dispatchable tool registration.
type Tool struct {
	Name        string
	Description string
	handler     Handler
}

// Invocation is the outcome of one tool call.
type Invocation struct {
	ID       string        `json:"id"`
	Tool     string        `json:"tool"`
	Output   any           `json:"output,omitempty"`
	Logs     []string      `json:"logs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Service dispatches tool calls for a single workspace.
type Service struct {
	registry.BaseService
	workspaceID string
	cfg         config.GatewayConfig

	mu      sync.RWMutex
	tools   map[string]Tool
	limiter *rate.Limiter

	invocations uint64
	rejected    uint64
}

// New constructs the gateway for one workspace.
func New(workspaceID string, cfg config.GatewayConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault(ServiceType)
	}
	return &Service{
		BaseService: registry.NewBase(ServiceType, log.WithField("workspace", workspaceID)),
		workspaceID: workspaceID,
		cfg:         cfg,
	}
}

// WorkspaceID returns the owning workspace.
func (s *Service) WorkspaceID() string { return s.workspaceID }

// Init installs built-in tools and the rate limiter.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(context.Context) error {
		if s.cfg.RatePerSecond <= 0 {
			return fmt.Errorf("gateway rate must be positive, got %v", s.cfg.RatePerSecond)
		}
		if s.cfg.Burst <= 0 {
			return fmt.Errorf("gateway burst must be positive, got %d", s.cfg.Burst)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
		s.tools = make(map[string]Tool)
		s.installBuiltins()

		s.Log().Infof("tool gateway ready (%d built-in tools)", len(s.tools))
		return nil
	})
}

// Cleanup drops tool registrations.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tools = nil
		s.limiter = nil
		return nil
	})
}

// GetStatus reports tool and invocation counts.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() {
		return registry.HealthSnapshot{Healthy: false, Message: "tool gateway not initialized"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "tool gateway ready",
		Details: map[string]any{
			"workspace_id": s.workspaceID,
			"tools":        len(s.tools),
			"invocations":  s.invocations,
			"rejected":     s.rejected,
		},
	}
}

// RegisterTool adds or replaces a native tool.
func (s *Service) RegisterTool(name, description string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		return fmt.Errorf("tool gateway not initialized")
	}
	if _, exists := s.tools[name]; exists {
		s.Log().Warnf("tool %q re-registered, overwriting previous entry", name)
	}
	s.tools[name] = Tool{Name: name, Description: description, handler: handler}
	return nil
}

// RegisterScriptTool compiles a JavaScript tool and registers it under name.
// The script must define a function matching entryPoint; it receives the
// invocation arguments and its return value becomes the tool output.
func (s *Service) RegisterScriptTool(name, description, source, entryPoint string) error {
	exec, err := newScriptExecutor(source, entryPoint, s.scriptTimeout())
	if err != nil {
		return fmt.Errorf("register script tool %q: %w", name, err)
	}
	return s.RegisterTool(name, description, exec.run)
}

// ListTools returns registered tools sorted by name.
func (s *Service) ListTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke parses a raw tool-call payload of the form
//
//	{"tool": "name", "arguments": {...}}
//
// applies the workspace rate limit, and dispatches to the registered tool.
func (s *Service) Invoke(ctx context.Context, payload []byte) (Invocation, error) {
	if !s.IsInitialized() {
		return Invocation{}, fmt.Errorf("tool gateway not initialized")
	}
	if !gjson.ValidBytes(payload) {
		return Invocation{}, fmt.Errorf("invalid tool call payload: not JSON")
	}

	toolName := gjson.GetBytes(payload, "tool").String()
	if toolName == "" {
		return Invocation{}, fmt.Errorf("invalid tool call payload: missing tool name")
	}

	var args map[string]any
	if rawArgs := gjson.GetBytes(payload, "arguments"); rawArgs.Exists() {
		if !rawArgs.IsObject() {
			return Invocation{}, fmt.Errorf("invalid tool call payload: arguments must be an object")
		}
		args, _ = rawArgs.Value().(map[string]any)
	}

	s.mu.RLock()
	tool, ok := s.tools[toolName]
	limiter := s.limiter
	s.mu.RUnlock()

	if !ok {
		return Invocation{}, fmt.Errorf("tool %q not found", toolName)
	}
	if !limiter.Allow() {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return Invocation{}, fmt.Errorf("tool %q rate limited", toolName)
	}

	start := time.Now()
	output, err := tool.handler(ctx, args)
	if err != nil {
		return Invocation{}, fmt.Errorf("tool %q: %w", toolName, err)
	}

	s.mu.Lock()
	s.invocations++
	s.mu.Unlock()

	inv := Invocation{
		ID:       uuid.NewString(),
		Tool:     toolName,
		Output:   output,
		Duration: time.Since(start),
	}
	s.Log().WithField("tool", toolName).
		WithField("invocation_id", inv.ID).
		Debug("tool invoked")
	return inv, nil
}

func (s *Service) scriptTimeout() time.Duration {
	if s.cfg.ScriptTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.cfg.ScriptTimeout) * time.Second
}

// installBuiltins registers the tools every workspace gets. Caller holds s.mu.
func (s *Service) installBuiltins() {
	s.tools["echo"] = Tool{
		Name:        "echo",
		Description: "Returns its arguments unchanged.",
		handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
	s.tools["clock"] = Tool{
		Name:        "clock",
		Description: "Returns the current UTC time.",
		handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}
