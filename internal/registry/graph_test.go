package registry

import (
	"context"
	"errors"
	"testing"
)

func TestCycleDetection(t *testing.T) {
	rec := &recorder{}
	r := New(testLogger())

	r.RegisterService("a", newStub("a", rec), ServiceOptions{Dependencies: []string{"b"}})
	r.RegisterService("b", newStub("b", rec), ServiceOptions{Dependencies: []string{"a"}})

	err := r.InitializeServices(context.Background())
	if err == nil {
		t.Fatalf("expected a cycle error")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("no service may initialize when the graph is cyclic, saw %d events", got)
	}
	if r.Started() {
		t.Fatalf("registry must not be marked started after a cycle failure")
	}
}

func TestSelfCycleDetection(t *testing.T) {
	rec := &recorder{}
	r := New(testLogger())
	r.RegisterService("a", newStub("a", rec), ServiceOptions{Dependencies: []string{"a"}})

	var cycleErr *CycleError
	if err := r.InitializeServices(context.Background()); !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError for self-dependency, got %v", err)
	}
}

func TestPriorityTieBreak(t *testing.T) {
	rec := &recorder{}
	r := New(testLogger())

	r.RegisterService("p1", newStub("p1", rec), ServiceOptions{Priority: 1})
	r.RegisterService("p3", newStub("p3", rec), ServiceOptions{Priority: 3})
	r.RegisterService("p2", newStub("p2", rec), ServiceOptions{Priority: 2})

	if err := r.InitializeServices(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	want := []string{"init:p3", "init:p2", "init:p1"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("init order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestDependencyOrderBeatsPriority(t *testing.T) {
	// The dependent carries the higher priority; its dependency must still
	// initialize first.
	rec := &recorder{}
	r := New(testLogger())

	r.RegisterService("dependent", newStub("dependent", rec), ServiceOptions{Dependencies: []string{"dep"}, Priority: 100})
	r.RegisterService("dep", newStub("dep", rec), ServiceOptions{})

	if err := r.InitializeServices(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "init:dep" || got[1] != "init:dependent" {
		t.Fatalf("expected [init:dep init:dependent], got %v", got)
	}
}

func TestWorkspaceDependencyAliasing(t *testing.T) {
	t.Run("aliased to workspace instance", func(t *testing.T) {
		rec := &recorder{}
		r := New(testLogger())

		r.RegisterService("config", newStub("global-config", rec), ServiceOptions{})
		r.RegisterWorkspaceService("ws1", "config", newStub("ws1-config", rec), ServiceOptions{})
		r.RegisterWorkspaceService("ws1", "svc", newStub("ws1-svc", rec), ServiceOptions{Dependencies: []string{"config"}})

		if err := r.InitializeServices(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		got := rec.snapshot()
		if indexOf(got, "init:ws1-config") > indexOf(got, "init:ws1-svc") {
			t.Fatalf("workspace config must initialize before the dependent, got %v", got)
		}
	})

	t.Run("falls back to global instance", func(t *testing.T) {
		rec := &recorder{}
		r := New(testLogger())

		r.RegisterService("config", newStub("global-config", rec), ServiceOptions{})
		r.RegisterWorkspaceService("ws1", "svc", newStub("ws1-svc", rec), ServiceOptions{Dependencies: []string{"config"}})

		if err := r.InitializeServices(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		got := rec.snapshot()
		if indexOf(got, "init:global-config") > indexOf(got, "init:ws1-svc") {
			t.Fatalf("global config must initialize before the dependent, got %v", got)
		}
	})
}

func TestMissingDependencyIsTolerated(t *testing.T) {
	rec := &recorder{}
	r := New(testLogger())

	r.RegisterService("svc", newStub("svc", rec), ServiceOptions{Dependencies: []string{"optional-collaborator"}})

	if err := r.InitializeServices(context.Background()); err != nil {
		t.Fatalf("a dependency on an unregistered key must not fail startup: %v", err)
	}
	if rec.count("init:svc") != 1 {
		t.Fatalf("expected svc to initialize, events: %v", rec.snapshot())
	}
}

func TestGenericFactoryNodesJoinTheGraph(t *testing.T) {
	// A generic factory type produces a node per known workspace, so its
	// dependencies participate in ordering for that workspace.
	rec := &recorder{}
	r := New(testLogger())

	r.RegisterWorkspaceService("ws1", "manager", newStub("ws1-manager", rec), ServiceOptions{})
	r.RegisterWorkspaceFactoryFunc("gateway", func(workspaceID string) (ManagedService, error) {
		return newStub("gateway:"+workspaceID, rec), nil
	}, ServiceOptions{Dependencies: []string{"manager"}})

	if err := r.InitializeServices(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	got := rec.snapshot()
	if indexOf(got, "init:ws1-manager") > indexOf(got, "init:gateway:ws1") {
		t.Fatalf("manager must initialize before the gateway, got %v", got)
	}
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return len(events)
}
