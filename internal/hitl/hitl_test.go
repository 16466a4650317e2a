package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/signalforge/internal/bus"
)

func setupProtocol(t *testing.T) (*Protocol, *bus.Bus) {
	t.Helper()
	b, err := bus.Open(":memory:", bus.Options{SubscriberBuffer: 16})
	if err != nil {
		t.Fatalf("bus.Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	p, err := Open(":memory:", b, Config{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, b
}

func TestAskAsyncRejectsEmptyQuestion(t *testing.T) {
	p, _ := setupProtocol(t)
	_, err := p.AskAsync(context.Background(), "  ", nil, nil, 0)
	if err == nil {
		t.Fatal("AskAsync() error = nil, want validation error")
	}
}

func TestAskAsyncMirrorsToBus(t *testing.T) {
	p, b := setupProtocol(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "hitl_questions")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	id, err := p.AskAsync(ctx, "Proceed?", map[string]string{"file": "test.go"}, []string{"yes", "no"}, 60)
	if err != nil {
		t.Fatalf("AskAsync() error = %v", err)
	}

	select {
	case msg := <-sub.C:
		if msg.Data["question_id"] != id {
			t.Errorf("question_id = %v, want %v", msg.Data["question_id"], id)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for mirrored message")
	}
}

func TestWaitResponseUnblocksOnSubmitResponse(t *testing.T) {
	p, _ := setupProtocol(t)
	ctx := context.Background()

	id, err := p.AskAsync(ctx, "Proceed?", nil, nil, 60)
	if err != nil {
		t.Fatalf("AskAsync() error = %v", err)
	}

	done := make(chan *Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := p.WaitResponse(ctx, id, 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.SubmitResponse(ctx, id, "yes"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}

	select {
	case resp := <-done:
		if resp.Answer != "yes" {
			t.Errorf("Answer = %q, want yes", resp.Answer)
		}
	case err := <-errCh:
		t.Fatalf("WaitResponse() error = %v", err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for WaitResponse to unblock")
	}
}

func TestWaitResponseTimesOut(t *testing.T) {
	p, _ := setupProtocol(t)
	ctx := context.Background()

	id, err := p.AskAsync(ctx, "Proceed?", nil, nil, 60)
	if err != nil {
		t.Fatalf("AskAsync() error = %v", err)
	}

	_, err = p.WaitResponse(ctx, id, 30*time.Millisecond)
	if err == nil {
		t.Fatal("WaitResponse() error = nil, want timeout")
	}
}

func TestApproveTrue(t *testing.T) {
	p, _ := setupProtocol(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	resultCh := make(chan bool, 1)
	go func() {
		approved, err := p.Approve(ctx, "Refactor file", map[string]string{"lines": "100"}, 2)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- approved
	}()

	time.Sleep(20 * time.Millisecond)
	pending, err := p.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if err := p.SubmitResponse(ctx, pending[0].QuestionID, "yes"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}

	select {
	case approved := <-resultCh:
		if !approved {
			t.Error("Approve() = false, want true")
		}
	case err := <-errCh:
		t.Fatalf("Approve() error = %v", err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for Approve to resolve")
	}
}

func TestExpireOldQuestions(t *testing.T) {
	p, _ := setupProtocol(t)
	ctx := context.Background()

	if _, err := p.AskAsync(ctx, "Proceed?", nil, nil, 1); err != nil {
		t.Fatalf("AskAsync() error = %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	count, err := p.ExpireOldQuestions(ctx)
	if err != nil {
		t.Fatalf("ExpireOldQuestions() error = %v", err)
	}
	if count != 1 {
		t.Errorf("expired count = %d, want 1", count)
	}

	stats, err := p.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.ByStatus["expired"] != 1 {
		t.Errorf("ByStatus[expired] = %d, want 1", stats.ByStatus["expired"])
	}
}
