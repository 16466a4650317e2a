package witness

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/detector"
	"github.com/signalforge/signalforge/internal/patterns"
	"github.com/signalforge/signalforge/internal/store"
)

func setupAgent(t *testing.T) (*Agent, *bus.Bus) {
	t.Helper()
	b, err := bus.Open(":memory:", bus.Options{SubscriberBuffer: 16})
	if err != nil {
		t.Fatalf("bus.Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	kv, err := store.Open(":memory:", "store")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	ps := patterns.New(kv)
	return New(b, ps, Config{}), b
}

func TestEndToEndTelemetrySignal(t *testing.T) {
	agent, b := setupAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agent.Run(ctx)

	improvementSub, err := b.Subscribe(ctx, "improvement_queue")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer improvementSub.Unsubscribe()

	time.Sleep(20 * time.Millisecond) // let the monitor goroutines subscribe first

	_, err = b.Publish(ctx, "telemetry_stream", map[string]interface{}{
		"message": "timeout exceeded in authentication module",
		"id":      "evt-1",
		"metadata": map[string]interface{}{
			"file": "auth.py",
			"line": float64(123),
		},
	}, bus.PriorityNormal, "")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-improvementSub.C:
		if msg.Data["source"] != "telemetry" {
			t.Errorf("source = %v, want telemetry", msg.Data["source"])
		}
		if msg.Data["pattern"] != "performance_regression" {
			t.Errorf("pattern = %v, want performance_regression", msg.Data["pattern"])
		}
		conf, _ := msg.Data["confidence"].(float64)
		if conf < 0.7 {
			t.Errorf("confidence = %v, want >= 0.7", conf)
		}
		summary, _ := msg.Data["summary"].(string)
		if len(summary) > 120 {
			t.Errorf("summary too long: %d", len(summary))
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timed out waiting for signal on improvement_queue")
	}
}

func TestProcessEventSkipsEmptyText(t *testing.T) {
	agent, b := setupAgent(t)
	ctx := context.Background()
	msg := &bus.Message{Data: map[string]interface{}{}}
	if err := agent.processEvent(ctx, msg, "telemetry"); err != nil {
		t.Fatalf("processEvent() error = %v", err)
	}
	count, err := b.GetPendingCount(ctx, "improvement_queue")
	if err != nil {
		t.Fatalf("GetPendingCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("pending count = %d, want 0", count)
	}
}

func TestGenerateSummaryTruncates(t *testing.T) {
	longText := ""
	for i := 0; i < 200; i++ {
		longText += "x"
	}
	match := &detector.Match{PatternName: "critical_error"}
	s := generateSummary(match, longText)
	if len(s) > 120 {
		t.Errorf("summary len = %d, want <= 120", len(s))
	}
}
