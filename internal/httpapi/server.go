// Package httpapi exposes the supervisor's HTTP surface: health and status
// endpoints, per-workspace session and tool routes, Prometheus metrics, and
// the websocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/httputil"
	"github.com/atelier-run/workspace_layer/internal/metrics"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/internal/services/conversation"
	"github.com/atelier-run/workspace_layer/internal/services/toolgateway"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// Server wires HTTP routes to the service registry.
type Server struct {
	registry *registry.Registry
	cfg      *config.Config
	log      *logger.Logger
}

// NewServer builds the API server over an already populated registry.
func NewServer(reg *registry.Registry, cfg *config.Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{registry: reg, cfg: cfg, log: log}
}

// Router assembles the full route table with auth and metrics middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/services/status", s.handleAllStatuses).Methods(http.MethodGet)
	v1.HandleFunc("/services/{type}/status", s.handleGlobalStatus).Methods(http.MethodGet)

	ws := v1.PathPrefix("/workspaces/{workspace}").Subrouter()
	ws.HandleFunc("/services/{type}/status", s.handleWorkspaceStatus).Methods(http.MethodGet)
	ws.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	ws.HandleFunc("/tools/invoke", s.handleInvokeTool).Methods(http.MethodPost)
	ws.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	ws.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	ws.HandleFunc("/sessions/{session}", s.handleGetSession).Methods(http.MethodGet)
	ws.HandleFunc("/sessions/{session}", s.handleCloseSession).Methods(http.MethodDelete)
	ws.HandleFunc("/sessions/{session}/messages", s.handlePostMessage).Methods(http.MethodPost)
	ws.HandleFunc("/sessions/{session}/messages", s.handleTranscript).Methods(http.MethodGet)
	ws.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	auth := NewAuthMiddleware(s.cfg.Auth, s.log, []string{"/health", "/metrics"})
	return metrics.InstrumentHandler(auth.Handler(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"started": s.registry.Started(),
	})
}

func (s *Server) handleAllStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.GetAllServiceStatuses(r.Context())

	healthy := true
	for _, snap := range statuses {
		if !snap.Healthy {
			healthy = false
			break
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"healthy":  healthy,
		"services": statuses,
	})
}

func (s *Server) handleGlobalStatus(w http.ResponseWriter, r *http.Request) {
	serviceType := mux.Vars(r)["type"]
	snap, err := s.registry.GetServiceStatus(r.Context(), serviceType)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := s.registry.GetWorkspaceServiceStatus(r.Context(), vars["workspace"], vars["type"])
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	gateway, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}

	tools := gateway.ListTools()
	out := make([]map[string]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]string{
			"name":        tool.Name,
			"description": tool.Description,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	gateway, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}

	var payload struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	raw, err := encodeToolCall(payload.Tool, payload.Arguments)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	inv, err := gateway.Invoke(r.Context(), raw)
	if err != nil {
		if strings.Contains(err.Error(), "rate limited") {
			httputil.TooManyRequests(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inv)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}

	var input struct {
		Title string `json:"title"`
	}
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	session, err := coord.CreateSession(r.Context(), input.Title)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, coord.ListSessions(r.Context()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}

	session, err := coord.GetSession(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}

	if err := coord.CloseSession(r.Context(), mux.Vars(r)["session"]); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}

	var input struct {
		Content string `json:"content"`
	}
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	msg, err := coord.PostMessage(r.Context(), mux.Vars(r)["session"], input.Content)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.conversationFor(w, r)
	if !ok {
		return
	}

	transcript, err := coord.Transcript(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transcript)
}

// gatewayFor resolves the workspace's tool gateway from the route.
func (s *Server) gatewayFor(w http.ResponseWriter, r *http.Request) (*toolgateway.Service, bool) {
	workspaceID := mux.Vars(r)["workspace"]
	svc, err := s.registry.GetWorkspaceService(workspaceID, toolgateway.ServiceType)
	if err != nil {
		s.respondLookupError(w, err)
		return nil, false
	}
	gateway, ok := svc.(*toolgateway.Service)
	if !ok {
		httputil.InternalError(w, "tool gateway has unexpected type")
		return nil, false
	}
	return gateway, true
}

// conversationFor resolves the workspace's conversation coordinator.
func (s *Server) conversationFor(w http.ResponseWriter, r *http.Request) (*conversation.Service, bool) {
	workspaceID := mux.Vars(r)["workspace"]
	svc, err := s.registry.GetWorkspaceService(workspaceID, conversation.ServiceType)
	if err != nil {
		s.respondLookupError(w, err)
		return nil, false
	}
	coord, ok := svc.(*conversation.Service)
	if !ok {
		httputil.InternalError(w, "conversation coordinator has unexpected type")
		return nil, false
	}
	return coord, true
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrServiceNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalError(w, err.Error())
}

// encodeToolCall rebuilds the gateway payload from decoded handler input.
func encodeToolCall(tool string, args map[string]any) ([]byte, error) {
	if strings.TrimSpace(tool) == "" {
		return nil, errors.New("tool name is required")
	}
	payload := map[string]any{"tool": tool}
	if args != nil {
		payload["arguments"] = args
	}
	return json.Marshal(payload)
}
