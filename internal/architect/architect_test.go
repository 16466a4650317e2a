package architect

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/signalforge/internal/bus"
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
	agent, err := New(b, ps, Config{WorkspaceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return agent, b
}

func TestEndToEndSimpleSignalGeneratesTaskGraph(t *testing.T) {
	agent, b := setupAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agent.Run(ctx)

	execSub, err := b.Subscribe(ctx, "execution_queue")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer execSub.Unsubscribe()

	time.Sleep(20 * time.Millisecond)

	_, err = b.Publish(ctx, "improvement_queue", map[string]interface{}{
		"priority":       "NORMAL",
		"source":         "telemetry",
		"pattern":        "performance_regression",
		"confidence":     0.8,
		"summary":        "Performance Regression: timeout exceeded",
		"correlation_id": "corr-1",
	}, bus.PriorityNormal, "corr-1")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-execSub.C:
			taskType, _ := msg.Data["task_type"].(string)
			seen[taskType] = true
		case <-time.After(300 * time.Millisecond):
			t.Fatalf("timed out waiting for task %d", i)
		}
	}
	for _, want := range []string{"code_generation", "test_generation", "merge"} {
		if !seen[want] {
			t.Errorf("missing task type %q in output, got %v", want, seen)
		}
	}
}

func TestAssessComplexityArchitectureKeywordFloor(t *testing.T) {
	signal := map[string]interface{}{
		"pattern_type": "user_intent",
		"data": map[string]interface{}{
			"keywords": []interface{}{"architecture"},
		},
	}
	got := assessComplexity(signal)
	if got < 0.7 {
		t.Errorf("assessComplexity() = %v, want >= 0.7", got)
	}
}

func TestSelfVerifyPlanRejectsCodeWithoutTest(t *testing.T) {
	tasks := []TaskSpec{
		{TaskID: "a", TaskType: "code_generation", SubAgent: "CodeWriter"},
	}
	if err := selfVerifyPlan(tasks); err == nil {
		t.Error("selfVerifyPlan() = nil, want error for code task without test task")
	}
}

func TestSelfVerifyPlanRejectsMissingDependency(t *testing.T) {
	tasks := []TaskSpec{
		{TaskID: "a", TaskType: "code_generation", SubAgent: "CodeWriter"},
		{TaskID: "b", TaskType: "test_generation", SubAgent: "TestArchitect"},
		{TaskID: "c", TaskType: "merge", SubAgent: "ReleaseManager", Dependencies: []string{"missing"}},
	}
	if err := selfVerifyPlan(tasks); err == nil {
		t.Error("selfVerifyPlan() = nil, want error for dangling dependency")
	}
}

func TestSelectEngineCriticalEscalates(t *testing.T) {
	agent, _ := setupAgent(t)
	engine := agent.selectEngine("CRITICAL", 0.2)
	if engine != "gpt-5" {
		t.Errorf("selectEngine(CRITICAL) = %q, want gpt-5", engine)
	}
	if agent.stats.Escalations != 1 {
		t.Errorf("Escalations = %d, want 1", agent.stats.Escalations)
	}
}
