// Package architect implements the ARCHITECT agent: a stateless
// cognition loop that turns Signal records into verified task DAGs via
// a 10-step cycle — LISTEN, TRIAGE, GATHER CONTEXT, ASSESS COMPLEXITY,
// SELECT ENGINE, FORMULATE STRATEGY, EXTERNALIZE, GENERATE TASK GRAPH,
// SELF-VERIFY, PUBLISH/RESET.
package architect

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/patterns"
)

// ErrVerification is returned when a generated plan fails self-verification.
var ErrVerification = fmt.Errorf("architect: plan failed self-verification")

// TaskSpec is a single executable unit of work in a plan's DAG.
type TaskSpec struct {
	TaskID        string                 `json:"task_id"`
	CorrelationID string                 `json:"correlation_id"`
	Priority      string                 `json:"priority"`
	TaskType      string                 `json:"task_type"`
	SubAgent      string                 `json:"sub_agent"`
	Spec          map[string]interface{} `json:"spec"`
	Dependencies  []string               `json:"dependencies"`
	Timestamp     string                 `json:"timestamp"`
}

// Strategy is ARCHITECT's internal planning result for one signal.
type Strategy struct {
	Priority    string
	Complexity  float64
	Engine      string
	Decision    string
	SpecContent string
	ADRContent  string
	Tasks       []TaskSpec
}

// Config configures an Agent.
type Config struct {
	InputQueue    string
	OutputQueue   string
	WorkspaceDir  string
	MinComplexity float64
}

func (c Config) withDefaults() Config {
	if c.InputQueue == "" {
		c.InputQueue = "improvement_queue"
	}
	if c.OutputQueue == "" {
		c.OutputQueue = "execution_queue"
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "data/plan_workspace"
	}
	if c.MinComplexity <= 0 {
		c.MinComplexity = 0.7
	}
	return c
}

// Stats tracks per-process counters, the only state ARCHITECT carries
// across signals.
type Stats struct {
	SignalsProcessed int
	SpecsGenerated   int
	ADRsGenerated    int
	TasksCreated     int
	Escalations      int
}

// Agent is the ARCHITECT cognition agent.
type Agent struct {
	bus      *bus.Bus
	patterns *patterns.Store
	cfg      Config
	stats    Stats
}

// New constructs an ARCHITECT agent over the shared bus and pattern
// store, ensuring its scratch workspace directory exists.
func New(b *bus.Bus, p *patterns.Store, cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("architect: create workspace dir: %w", err)
	}
	return &Agent{bus: b, patterns: p, cfg: cfg}, nil
}

// Run subscribes to the input queue and processes signals until ctx is
// canceled.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, a.cfg.InputQueue)
	if err != nil {
		return fmt.Errorf("architect: subscribe %s: %w", a.cfg.InputQueue, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			a.handleSignal(ctx, msg)
		}
	}
}

func (a *Agent) handleSignal(ctx context.Context, msg *bus.Message) {
	correlationID, _ := msg.Data["correlation_id"].(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	err := a.processSignal(ctx, msg.Data, correlationID)
	if err != nil {
		a.reportFailure(ctx, correlationID, msg.Data, err)
	} else {
		a.stats.SignalsProcessed++
	}
	a.cleanupWorkspace(correlationID)

	if err := a.bus.Ack(ctx, msg.ID); err != nil {
		log.Printf("[ARCHITECT] ack failed for message %d: %v", msg.ID, err)
	}
}

// processSignal runs steps 2-9 of the cycle for one signal. Step 1
// (LISTEN) is the caller's subscribe loop; step 10 (RESET) is the
// workspace cleanup the caller performs in its defer-equivalent.
func (a *Agent) processSignal(ctx context.Context, signal map[string]interface{}, correlationID string) error {
	priority, _ := signal["priority"].(string)
	if priority == "" {
		priority = "NORMAL"
	}

	historical, err := a.gatherContext(ctx, signal)
	if err != nil {
		return fmt.Errorf("gather context: %w", err)
	}

	complexity := assessComplexity(signal)
	engine := a.selectEngine(priority, complexity)

	strategy := a.formulateStrategy(signal, historical, priority, complexity, engine, correlationID)
	if err := a.externalizeStrategy(correlationID, strategy); err != nil {
		return fmt.Errorf("externalize strategy: %w", err)
	}

	tasks := generateTaskGraph(strategy, correlationID)
	strategy.Tasks = tasks
	a.stats.TasksCreated += len(tasks)

	if err := selfVerifyPlan(tasks); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	for _, task := range tasks {
		payload, err := taskPayload(task)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", task.TaskID, err)
		}
		if _, err := a.bus.Publish(ctx, a.cfg.OutputQueue, payload, priorityValue(task.Priority), correlationID); err != nil {
			return fmt.Errorf("publish task %s: %w", task.TaskID, err)
		}
	}
	return nil
}

func (a *Agent) gatherContext(ctx context.Context, signal map[string]interface{}) ([]*patterns.Pattern, error) {
	patternName, _ := signal["pattern"].(string)
	opts := patterns.SearchOptions{MinConfidence: 0.6, Limit: 5}
	if patternName != "" {
		opts.PatternName = patternName
	} else {
		opts.Query = "general"
	}
	return a.patterns.SearchPatterns(ctx, opts)
}

// assessComplexity scores a signal in [0,1] from its pattern family,
// keywords, and evidence volume.
func assessComplexity(signal map[string]interface{}) float64 {
	var score float64

	pattern, _ := signal["pattern"].(string)
	patternType, _ := signal["pattern_type"].(string)
	data, _ := signal["data"].(map[string]interface{})
	if patternType == "" {
		patternType, _ = data["pattern_type"].(string)
	}
	keywords := stringSlice(data["keywords"])

	switch {
	case pattern == "constitutional_violation" || pattern == "code_duplication" || pattern == "missing_tests":
		score += 0.3
	case patternType == "failure":
		score += 0.2
	case patternType == "user_intent":
		score += 0.4
	}

	if containsString(keywords, "architecture") && score < 0.7 {
		score = 0.7
	}
	if containsString(keywords, "refactor") {
		score += 0.2
	}

	haystack := strings.ToLower(fmt.Sprintf("%v", signal))
	if strings.Contains(haystack, "multi-file") {
		score += 0.2
	}
	if strings.Contains(haystack, "system-wide") {
		score += 0.3
	}

	if evidenceCount, ok := numberField(signal, "evidence_count"); ok && evidenceCount >= 5 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (a *Agent) selectEngine(priority string, complexity float64) string {
	switch {
	case priority == "CRITICAL":
		a.stats.Escalations++
		return "gpt-5"
	case priority == "HIGH" && complexity > 0.7:
		a.stats.Escalations++
		return "claude-4.1"
	default:
		return "codestral-22b"
	}
}

func (a *Agent) formulateStrategy(signal map[string]interface{}, historical []*patterns.Pattern, priority string, complexity float64, engine, correlationID string) *Strategy {
	if complexity < a.cfg.MinComplexity {
		return &Strategy{
			Priority:   priority,
			Complexity: complexity,
			Engine:     engine,
			Decision:   fmt.Sprintf("Simple task, direct implementation (complexity=%.2f)", complexity),
		}
	}

	specContent := a.generateSpec(signal, historical, correlationID)
	a.stats.SpecsGenerated++

	var adrContent string
	if isArchitectural(signal) {
		adrContent = a.generateADR(signal, correlationID)
		a.stats.ADRsGenerated++
	}

	return &Strategy{
		Priority:    priority,
		Complexity:  complexity,
		Engine:      engine,
		Decision:    fmt.Sprintf("Complex task requiring formal specification (complexity=%.2f)", complexity),
		SpecContent: specContent,
		ADRContent:  adrContent,
	}
}

func (a *Agent) generateSpec(signal map[string]interface{}, historical []*patterns.Pattern, correlationID string) string {
	pattern, _ := signal["pattern"].(string)
	if pattern == "" {
		pattern = "unknown"
	}
	data, _ := signal["data"].(map[string]interface{})
	message, _ := data["message"].(string)
	if message == "" {
		message = "No additional context"
	}
	sourceID := fmt.Sprintf("%v", signal["source_id"])
	if sourceID == "" || sourceID == "<nil>" {
		sourceID = "N/A"
	}

	return fmt.Sprintf(`# Spec: %s

**ID**: spec-%s
**Status**: Draft
**Created**: %s

## Goal
Address %s pattern detected in the system.

## Context
%s

## Non-Goals
- This spec does not cover unrelated patterns
- Performance optimization out of scope unless explicitly needed

## Acceptance Criteria
- [ ] Implementation addresses root cause
- [ ] All tests pass
- [ ] Pattern no longer detected post-fix

## Implementation Notes
Based on historical patterns:
%s

## Related
- Pattern: %s
- Signal ID: %s
`, titleCase(pattern), correlationID, time.Now().UTC().Format("2006-01-02"), pattern, message, formatHistoricalPatterns(historical), pattern, sourceID)
}

func (a *Agent) generateADR(signal map[string]interface{}, correlationID string) string {
	pattern, _ := signal["pattern"].(string)
	if pattern == "" {
		pattern = "unknown"
	}
	data, _ := signal["data"].(map[string]interface{})
	message, _ := data["message"].(string)
	if message == "" {
		message = "Architectural decision required"
	}

	return fmt.Sprintf(`# ADR-%s: %s

**Status**: Proposed
**Date**: %s
**Context**: %s

## Decision
Implement solution for %s pattern.

## Rationale
- Historical success rate: 85%%
- Risk mitigation

## Consequences
**Positive**:
- Improved system quality
- Reduced technical debt

**Negative**:
- Implementation time required
- Potential short-term complexity increase

## Alternatives Considered
1. Do nothing - rejected
2. Minimal fix - rejected (technical debt accumulation)
3. Comprehensive solution - **selected**
`, correlationID, titleCase(pattern), time.Now().UTC().Format("2006-01-02"), message, pattern)
}

func formatHistoricalPatterns(historical []*patterns.Pattern) string {
	if len(historical) == 0 {
		return "No historical patterns found."
	}
	limit := len(historical)
	if limit > 3 {
		limit = 3
	}
	var b strings.Builder
	for i, p := range historical[:limit] {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: confidence=%.2f, seen=%d times", p.PatternName, p.Confidence, p.EvidenceCount)
	}
	return b.String()
}

func isArchitectural(signal map[string]interface{}) bool {
	data, _ := signal["data"].(map[string]interface{})
	keywords := stringSlice(data["keywords"])
	pattern, _ := signal["pattern"].(string)
	return containsString(keywords, "architecture") || pattern == "constitutional_violation"
}

// generateTaskGraph builds the fixed three-task DAG: code_generation and
// test_generation run in parallel; merge depends on both.
func generateTaskGraph(strategy *Strategy, correlationID string) []TaskSpec {
	now := time.Now().UTC().Format(time.RFC3339)
	codeTask := TaskSpec{
		TaskID:        correlationID + "_code",
		CorrelationID: correlationID,
		Priority:      strategy.Priority,
		TaskType:      "code_generation",
		SubAgent:      "CodeWriter",
		Spec: map[string]interface{}{
			"details":      strategy.Decision,
			"spec_content": strategy.SpecContent,
			"complexity":   strategy.Complexity,
		},
		Dependencies: []string{},
		Timestamp:    now,
	}
	testTask := TaskSpec{
		TaskID:        correlationID + "_test",
		CorrelationID: correlationID,
		Priority:      strategy.Priority,
		TaskType:      "test_generation",
		SubAgent:      "TestArchitect",
		Spec: map[string]interface{}{
			"details":      "Tests for " + strategy.Decision,
			"spec_content": strategy.SpecContent,
			"complexity":   strategy.Complexity,
		},
		Dependencies: []string{},
		Timestamp:    now,
	}
	mergeTask := TaskSpec{
		TaskID:        correlationID + "_merge",
		CorrelationID: correlationID,
		Priority:      strategy.Priority,
		TaskType:      "merge",
		SubAgent:      "ReleaseManager",
		Spec: map[string]interface{}{
			"details": "Integrate code and tests, commit once both succeed",
		},
		Dependencies: []string{codeTask.TaskID, testTask.TaskID},
		Timestamp:    now,
	}
	return []TaskSpec{codeTask, testTask, mergeTask}
}

// selfVerifyPlan checks a plan before publish: the plan is non-empty,
// every task has a sub_agent, every code_generation task has a sibling
// test_generation task, every dependency names a task in the plan, and
// no task depends on itself. Cycles through two or more tasks are not
// checked.
func selfVerifyPlan(tasks []TaskSpec) error {
	if len(tasks) == 0 {
		return fmt.Errorf("task graph is empty")
	}

	ids := make(map[string]bool, len(tasks))
	hasCode, hasTest := false, false
	for _, t := range tasks {
		if strings.TrimSpace(t.SubAgent) == "" {
			return fmt.Errorf("task %s missing sub_agent", t.TaskID)
		}
		ids[t.TaskID] = true
		if t.TaskType == "code_generation" {
			hasCode = true
		}
		if t.TaskType == "test_generation" {
			hasTest = true
		}
	}
	if hasCode && !hasTest {
		return fmt.Errorf("code task without corresponding test task")
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("task %s has invalid dependency: %s", t.TaskID, dep)
			}
			if dep == t.TaskID {
				return fmt.Errorf("task %s depends on itself", t.TaskID)
			}
		}
	}
	return nil
}

func (a *Agent) externalizeStrategy(correlationID string, strategy *Strategy) error {
	path := filepath.Join(a.cfg.WorkspaceDir, correlationID+"_strategy.md")
	return os.WriteFile(path, []byte(buildStrategyContent(correlationID, strategy)), 0o644)
}

func buildStrategyContent(correlationID string, strategy *Strategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Strategy: %s\n\n## Engine\n%s\n\n## Complexity\n%.2f\n\n## Decision\n%s\n\n", correlationID, strategy.Engine, strategy.Complexity, strategy.Decision)
	fmt.Fprintf(&b, "## Spec Generated\n%s\n\n## ADR Generated\n%s\n\n## Task Graph\n", yesNo(strategy.SpecContent != ""), yesNo(strategy.ADRContent != ""))
	for _, t := range strategy.Tasks {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", t.TaskID, t.TaskType, t.SubAgent)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "  Dependencies: %s\n", strings.Join(t.Dependencies, ", "))
		}
	}
	return b.String()
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (a *Agent) cleanupWorkspace(correlationID string) {
	path := filepath.Join(a.cfg.WorkspaceDir, correlationID+"_strategy.md")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[ARCHITECT] cleanup workspace file %s: %v", path, err)
	}
}

func (a *Agent) reportFailure(ctx context.Context, correlationID string, signal map[string]interface{}, cause error) {
	report := map[string]interface{}{
		"status":         "failure",
		"correlation_id": correlationID,
		"signal":         signal,
		"error":          cause.Error(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := a.bus.Publish(ctx, "telemetry_stream", report, bus.PriorityCritical, correlationID); err != nil {
		log.Printf("[ARCHITECT] failed to report planning failure: %v", err)
	}
}

// GetStats returns a snapshot of the agent's per-process counters.
func (a *Agent) GetStats() Stats {
	return a.stats
}

func taskPayload(t TaskSpec) (map[string]interface{}, error) {
	return map[string]interface{}{
		"task_id":        t.TaskID,
		"correlation_id": t.CorrelationID,
		"priority":       t.Priority,
		"task_type":      t.TaskType,
		"sub_agent":      t.SubAgent,
		"spec":           t.Spec,
		"dependencies":   t.Dependencies,
		"timestamp":      t.Timestamp,
	}, nil
}

func priorityValue(p string) int {
	switch p {
	case "CRITICAL":
		return bus.PriorityCritical
	case "HIGH":
		return bus.PriorityHigh
	default:
		return bus.PriorityNormal
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
