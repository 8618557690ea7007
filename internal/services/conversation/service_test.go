package conversation

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/services/toolgateway"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	gw := toolgateway.New("ws1", config.GatewayConfig{RatePerSecond: 100, Burst: 100, ScriptTimeout: 2}, testLogger())
	if err := gw.Init(context.Background()); err != nil {
		t.Fatalf("gateway init: %v", err)
	}
	svc := New("ws1", gw, testLogger())
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return svc
}

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "planning")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.ID == "" || session.Title != "planning" {
		t.Fatalf("unexpected session: %+v", session)
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("expected same session, got %+v", got)
	}

	if err := svc.CloseSession(ctx, session.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.GetSession(ctx, session.ID); err == nil {
		t.Fatalf("expected not-found after close")
	}
}

func TestCreateSessionDefaultsTitle(t *testing.T) {
	svc := newTestService(t)
	session, err := svc.CreateSession(context.Background(), "   ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Title != "Untitled session" {
		t.Fatalf("expected default title, got %q", session.Title)
	}
}

func TestPostMessageAppendsToTranscript(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg, err := svc.PostMessage(ctx, session.ID, "hello there")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Role != RoleUser || msg.Content != "hello there" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	transcript, err := svc.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(transcript) != 1 {
		t.Fatalf("expected 1 message, got %d", len(transcript))
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Messages != 1 {
		t.Fatalf("expected message count 1, got %d", got.Messages)
	}
}

func TestPostMessageValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx, "chat")
	if _, err := svc.PostMessage(ctx, session.ID, "   "); err == nil {
		t.Fatalf("expected error for empty content")
	}
	if _, err := svc.PostMessage(ctx, "missing", "hi"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestToolCallMessageProducesToolReply(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx, "tools")
	if _, err := svc.PostMessage(ctx, session.ID, `{"tool":"echo","arguments":{"msg":"ping"}}`); err != nil {
		t.Fatalf("post: %v", err)
	}

	transcript, err := svc.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected user + tool messages, got %d", len(transcript))
	}
	if transcript[1].Role != RoleTool {
		t.Fatalf("expected tool reply, got %+v", transcript[1])
	}

	var inv toolgateway.Invocation
	if err := json.Unmarshal([]byte(transcript[1].Content), &inv); err != nil {
		t.Fatalf("decode tool reply: %v", err)
	}
	if inv.Tool != "echo" {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
}

func TestToolCallFailureRecordedInTranscript(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, _ := svc.CreateSession(ctx, "tools")
	if _, err := svc.PostMessage(ctx, session.ID, `{"tool":"does-not-exist"}`); err != nil {
		t.Fatalf("post: %v", err)
	}

	transcript, _ := svc.Transcript(ctx, session.ID)
	if len(transcript) != 2 {
		t.Fatalf("expected user + tool messages, got %d", len(transcript))
	}
	if !strings.Contains(transcript[1].Content, "tool call failed") {
		t.Fatalf("expected failure note, got %q", transcript[1].Content)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	events, cancel, err := svc.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	session, err := svc.CreateSession(ctx, "stream")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case event := <-events:
		if event.Type != EventSessionCreated || event.SessionID != session.ID {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	if _, err := svc.PostMessage(ctx, session.ID, "hi"); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case event := <-events:
		if event.Type != EventMessageAdded || event.Message == nil {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message event")
	}
}

func TestCancelStopsSubscription(t *testing.T) {
	svc := newTestService(t)

	events, cancel, err := svc.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if _, open := <-events; open {
		t.Fatalf("expected closed channel after cancel")
	}
	// A second cancel must be safe.
	cancel()
}

func TestCleanupClosesSubscribers(t *testing.T) {
	svc := newTestService(t)

	events, _, err := svc.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, open := <-events; open {
		t.Fatalf("expected closed channel after cleanup")
	}
	if svc.IsInitialized() {
		t.Fatalf("expected uninitialized after cleanup")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateSession(ctx, "first")
	time.Sleep(5 * time.Millisecond)
	second, _ := svc.CreateSession(ctx, "second")

	sessions := svc.ListSessions(ctx)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Fatalf("expected newest first, got %v", sessions)
	}
}
