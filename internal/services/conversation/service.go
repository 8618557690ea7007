// Package conversation coordinates chat sessions for one workspace. It owns
// session and message state, routes tool calls through the workspace's tool
// gateway, and fans events out to stream subscribers.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/internal/services/toolgateway"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for conversation coordinators.
const ServiceType = "conversation"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Session is one conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  int       `json:"messages"`
}

// Message is one entry in a session transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is pushed to stream subscribers whenever a session changes.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Message   *Message  `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Event types.
const (
	EventSessionCreated = "session.created"
	EventSessionClosed  = "session.closed"
	EventMessageAdded   = "message.added"
)

// Service coordinates conversations for a single workspace.
type Service struct {
	registry.BaseService
	workspaceID string
	gateway     *toolgateway.Service

	mu          sync.RWMutex
	sessions    map[string]*Session
	transcripts map[string][]Message
	subscribers map[string]chan Event
}

// New constructs the coordinator for one workspace. The gateway handles tool
// calls appearing in user messages; it may be nil, in which case tool calls
// are rejected.
func New(workspaceID string, gateway *toolgateway.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault(ServiceType)
	}
	return &Service{
		BaseService: registry.NewBase(ServiceType, log.WithField("workspace", workspaceID)),
		workspaceID: workspaceID,
		gateway:     gateway,
	}
}

// WorkspaceID returns the owning workspace.
func (s *Service) WorkspaceID() string { return s.workspaceID }

// Init prepares session storage.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.sessions = make(map[string]*Session)
		s.transcripts = make(map[string][]Message)
		s.subscribers = make(map[string]chan Event)
		s.Log().Info("conversation coordinator ready")
		return nil
	})
}

// Cleanup closes subscriber streams and drops session state.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = nil
		s.sessions = nil
		s.transcripts = nil
		return nil
	})
}

// GetStatus reports session and subscriber counts.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() {
		return registry.HealthSnapshot{Healthy: false, Message: "conversation coordinator not initialized"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "conversation coordinator ready",
		Details: map[string]any{
			"workspace_id": s.workspaceID,
			"sessions":     len(s.sessions),
			"subscribers":  len(s.subscribers),
		},
	}
}

// CreateSession opens a new conversation thread.
func (s *Service) CreateSession(ctx context.Context, title string) (Session, error) {
	if !s.IsInitialized() {
		return Session{}, fmt.Errorf("conversation coordinator not initialized")
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled session"
	}

	now := time.Now().UTC()
	session := &Session{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.publish(Event{Type: EventSessionCreated, SessionID: session.ID, At: now})
	s.Log().WithField("session_id", session.ID).Info("session created")
	return *session, nil
}

// GetSession fetches one session.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q not found", id)
	}
	return *session, nil
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CloseSession removes a session and its transcript.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %q not found", id)
	}
	delete(s.sessions, id)
	delete(s.transcripts, id)
	s.mu.Unlock()

	s.publish(Event{Type: EventSessionClosed, SessionID: id, At: time.Now().UTC()})
	return nil
}

// PostMessage appends a user message to a session. When the content is a tool
// call payload ({"tool": ..., "arguments": ...}), the call is routed through
// the workspace tool gateway and the result is appended as a tool message.
func (s *Service) PostMessage(ctx context.Context, sessionID, content string) (Message, error) {
	if !s.IsInitialized() {
		return Message{}, fmt.Errorf("conversation coordinator not initialized")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("message content is required")
	}

	msg, err := s.appendMessage(sessionID, RoleUser, content)
	if err != nil {
		return Message{}, err
	}

	if isToolCall(content) {
		reply, err := s.dispatchToolCall(ctx, sessionID, content)
		if err != nil {
			reply = fmt.Sprintf("tool call failed: %v", err)
		}
		if _, err := s.appendMessage(sessionID, RoleTool, reply); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// Transcript returns a session's messages in order.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}
	out := make([]Message, len(s.transcripts[sessionID]))
	copy(out, s.transcripts[sessionID])
	return out, nil
}

// Subscribe registers a stream consumer. The returned channel receives every
// event until cancel is called or the service cleans up.
func (s *Service) Subscribe() (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers == nil {
		return nil, nil, fmt.Errorf("conversation coordinator not initialized")
	}

	id := uuid.NewString()
	ch := make(chan Event, 16)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func (s *Service) appendMessage(sessionID, role, content string) (Message, error) {
	now := time.Now().UTC()
	msg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("session %q not found", sessionID)
	}
	s.transcripts[sessionID] = append(s.transcripts[sessionID], msg)
	session.Messages++
	session.UpdatedAt = now
	s.mu.Unlock()

	s.publish(Event{Type: EventMessageAdded, SessionID: sessionID, Message: &msg, At: now})
	return msg, nil
}

func (s *Service) dispatchToolCall(ctx context.Context, sessionID, content string) (string, error) {
	if s.gateway == nil {
		return "", fmt.Errorf("no tool gateway attached to workspace %q", s.workspaceID)
	}

	inv, err := s.gateway.Invoke(ctx, []byte(content))
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	s.Log().WithField("session_id", sessionID).
		WithField("tool", inv.Tool).
		Debug("tool call dispatched")
	return string(encoded), nil
}

// publish delivers an event to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (s *Service) publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.Log().Warnf("subscriber %s is slow, dropping event %s", id, event.Type)
		}
	}
}

// isToolCall reports whether content looks like a tool call payload.
func isToolCall(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var probe struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	return probe.Tool != ""
}
