package router

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/signalforge/internal/healing"
	"github.com/signalforge/signalforge/internal/patterns"
	"github.com/signalforge/signalforge/internal/store"
)

type stubExecutor struct {
	result bool
	err    error
	calls  int
}

func (s *stubExecutor) Fix(ctx context.Context, f healing.Finding) (bool, error) {
	s.calls++
	return s.result, s.err
}

func setupRouter(t *testing.T, exec healing.Executor, cfg Config) (*Router, *patterns.Store) {
	t.Helper()
	kv, err := store.Open(":memory:", "store")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	ps := patterns.New(kv)
	return New(ps, exec, cfg), ps
}

func TestHandleErrorSkipsDuringCooldownAfterFailure(t *testing.T) {
	exec := &stubExecutor{result: false}
	r, _ := setupRouter(t, exec, Config{CooldownWindow: time.Hour})
	ctx := context.Background()
	event := Event{Type: "error_detected", ErrorType: "NilDeref", SourceFile: "main.go"}

	first, err := r.HandleError(ctx, event)
	if err != nil {
		t.Fatalf("HandleError() error = %v", err)
	}
	if first.Success {
		t.Fatal("first HandleError() succeeded, want failure")
	}
	if first.Skipped {
		t.Fatal("first HandleError() was skipped, want attempted")
	}

	second, err := r.HandleError(ctx, event)
	if err != nil {
		t.Fatalf("HandleError() error = %v", err)
	}
	if !second.Skipped || second.Reason != "cooldown" {
		t.Errorf("second HandleError() = %+v, want skipped cooldown", second)
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls)
	}
}

func TestHandleErrorSucceedsAndDoesNotCooldown(t *testing.T) {
	exec := &stubExecutor{result: true}
	r, _ := setupRouter(t, exec, Config{CooldownWindow: time.Hour})
	ctx := context.Background()
	event := Event{Type: "error_detected", ErrorType: "NilDeref", SourceFile: "main.go"}

	result, err := r.HandleError(ctx, event)
	if err != nil {
		t.Fatalf("HandleError() error = %v", err)
	}
	if !result.Success {
		t.Fatal("HandleError() failed, want success")
	}

	if _, err := r.HandleError(ctx, event); err != nil {
		t.Fatalf("HandleError() error = %v", err)
	}
	if exec.calls != 2 {
		t.Errorf("executor called %d times, want 2 (no cooldown on success)", exec.calls)
	}
}

func TestRouteDispatchesUnhandledEventType(t *testing.T) {
	exec := &stubExecutor{result: true}
	r, _ := setupRouter(t, exec, Config{})
	resp := r.Route(context.Background(), Event{Type: "something_unknown"})
	if resp.Success {
		t.Error("Route() succeeded for unhandled event type, want failure")
	}
	if resp.HandlerName != "NoHandler" {
		t.Errorf("HandlerName = %q, want NoHandler", resp.HandlerName)
	}
}

func TestRoutePrefersPatternMatchFastPath(t *testing.T) {
	exec := &stubExecutor{result: true}
	r, ps := setupRouter(t, exec, Config{MinMatchScore: 0.01})
	ctx := context.Background()

	key, err := ps.StorePattern(ctx, "error_fix", "NilDeref", "fix for NilDeref in main.go", 0.9, 1, map[string]interface{}{
		"error_type": "NilDeref",
	})
	if err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}
	if err := ps.UpdateSuccessRate(ctx, key, true); err != nil {
		t.Fatalf("UpdateSuccessRate() error = %v", err)
	}

	resp := r.Route(ctx, Event{Type: "error_detected", ErrorType: "NilDeref", SourceFile: "main.go"})
	if resp.HandlerName != "pattern_matched" {
		t.Errorf("HandlerName = %q, want pattern_matched", resp.HandlerName)
	}
	if exec.calls != 0 {
		t.Errorf("executor called %d times, want 0 (fast path should not invoke it)", exec.calls)
	}
}
