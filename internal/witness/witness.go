// Package witness implements the WITNESS agent: a stateless
// perception loop that classifies raw bus events into validated Signal
// records via an 8-step cycle — LISTEN, CLASSIFY, VALIDATE, ENRICH,
// SELF-VERIFY, PUBLISH, PERSIST, RESET.
package witness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/detector"
	"github.com/signalforge/signalforge/internal/patterns"
)

// textKeys is the ordered list of event keys probed for classifiable text.
var textKeys = []string{"message", "text", "content", "error", "description"}

// Signal is the validated, classified output of the perception loop.
type Signal struct {
	Priority      string                 `json:"priority"`
	Source        string                 `json:"source"`
	Pattern       string                 `json:"pattern"`
	Confidence    float64                `json:"confidence"`
	Data          map[string]interface{} `json:"data"`
	Summary       string                 `json:"summary"`
	Timestamp     string                 `json:"timestamp"`
	SourceID      interface{}            `json:"source_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Config configures an Agent.
type Config struct {
	MinConfidence  float64
	TelemetryQueue string
	ContextQueue   string
	OutputQueue    string
}

func (c Config) withDefaults() Config {
	if c.TelemetryQueue == "" {
		c.TelemetryQueue = "telemetry_stream"
	}
	if c.ContextQueue == "" {
		c.ContextQueue = "personal_context_stream"
	}
	if c.OutputQueue == "" {
		c.OutputQueue = "improvement_queue"
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	return c
}

// Agent is the WITNESS perception agent.
type Agent struct {
	bus      *bus.Bus
	patterns *patterns.Store
	detector *detector.Detector
	cfg      Config
}

// New constructs a WITNESS agent over the shared bus and pattern store.
func New(b *bus.Bus, p *patterns.Store, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		bus:      b,
		patterns: p,
		detector: detector.New(cfg.MinConfidence),
		cfg:      cfg,
	}
}

// Run monitors both input streams concurrently until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- a.monitorStream(ctx, a.cfg.TelemetryQueue, "telemetry") }()
	go func() { errCh <- a.monitorStream(ctx, a.cfg.ContextQueue, "personal_context") }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Agent) monitorStream(ctx context.Context, queueName, sourceType string) error {
	sub, err := a.bus.Subscribe(ctx, queueName)
	if err != nil {
		return fmt.Errorf("witness: subscribe %s: %w", queueName, err)
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
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[WITNESS] recovered from panic processing event on %s: %v", queueName, r)
					}
				}()
				if err := a.processEvent(ctx, msg, sourceType); err != nil {
					log.Printf("[WITNESS] error processing event on %s: %v", queueName, err)
				}
			}()
		}
	}
}

// processEvent runs one event through the 8-step cycle. Steps 1 (LISTEN)
// and 8 (RESET) carry no code — the event is already in hand, and no
// state survives to the next call.
func (a *Agent) processEvent(ctx context.Context, msg *bus.Message, sourceType string) error {
	// Step 2: CLASSIFY
	text := extractText(msg.Data)
	if text == "" {
		return nil
	}
	metadata, _ := msg.Data["metadata"].(map[string]interface{})
	match, err := a.detector.Detect(text, metadata)
	if err != nil {
		return nil
	}

	// Step 3: VALIDATE
	if match == nil {
		return nil
	}

	// Step 4: ENRICH
	signal := a.buildSignal(match, sourceType, msg, text)

	// Step 5: SELF-VERIFY
	if err := verifySignal(signal); err != nil {
		log.Printf("[WITNESS] signal validation failed: %v", err)
		return nil
	}

	// Step 6: PUBLISH
	payload, err := toPayload(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if _, err := a.bus.Publish(ctx, a.cfg.OutputQueue, payload, priorityValue(signal.Priority), signal.CorrelationID); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}

	// Step 7: PERSIST
	if _, err := a.patterns.StorePattern(ctx, match.PatternType, match.PatternName, signal.Summary, signal.Confidence, 1, signal.Data); err != nil {
		return fmt.Errorf("persist pattern: %w", err)
	}

	return nil
}

func extractText(event map[string]interface{}) string {
	for _, key := range textKeys {
		if v, ok := event[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if len(event) == 0 {
		return ""
	}
	b, err := json.Marshal(event)
	if err != nil {
		return ""
	}
	return string(b)
}

func (a *Agent) buildSignal(match *detector.Match, sourceType string, msg *bus.Message, text string) *Signal {
	data := map[string]interface{}{
		"pattern_type":  match.PatternType,
		"keywords":      match.Keywords,
		"base_score":    match.BaseScore,
		"keyword_score": match.KeywordScore,
	}
	if metadata, ok := msg.Data["metadata"].(map[string]interface{}); ok {
		for k, v := range metadata {
			data[k] = v
		}
	}

	// source_id is the bus message id when the event came off a queue,
	// else the event's own id field. Both string and integer ids are
	// accepted downstream.
	sourceID := interface{}("unknown")
	switch {
	case msg.ID != 0:
		sourceID = msg.ID
	default:
		if v, ok := msg.Data["id"]; ok {
			sourceID = v
		}
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		if v, ok := msg.Data["correlation_id"].(string); ok {
			correlationID = v
		}
	}

	return &Signal{
		Priority:      determinePriority(match),
		Source:        sourceType,
		Pattern:       match.PatternName,
		Confidence:    match.Confidence,
		Data:          data,
		Summary:       generateSummary(match, text),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SourceID:      sourceID,
		CorrelationID: correlationID,
	}
}

func determinePriority(match *detector.Match) string {
	switch match.PatternType {
	case "failure":
		switch {
		case match.Confidence >= 0.9:
			return "CRITICAL"
		case match.Confidence >= 0.8:
			return "HIGH"
		default:
			return "NORMAL"
		}
	case "opportunity":
		if match.PatternName == "constitutional_violation" {
			return "HIGH"
		}
		return "NORMAL"
	default: // user_intent
		return "NORMAL"
	}
}

// generateSummary renders "<Title Case pattern>: <text>" truncated to
// at most 120 UTF-8 characters, ellipsis appended on truncation.
func generateSummary(match *detector.Match, text string) string {
	desc := titleCase(strings.ReplaceAll(match.PatternName, "_", " "))
	summary := desc + ": " + text
	if utf8.RuneCountInString(summary) <= 120 {
		return summary
	}

	runes := []rune(desc + ": ")
	budget := 120 - len(runes) - 3
	if budget < 0 {
		budget = 0
	}
	textRunes := []rune(text)
	if len(textRunes) > budget {
		textRunes = textRunes[:budget]
	}
	return string(runes) + string(textRunes) + "..."
}

func titleCase(s string) string {
	words := strings.Fields(s)
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

func verifySignal(s *Signal) error {
	switch s.Priority {
	case "CRITICAL", "HIGH", "NORMAL":
	default:
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	switch s.Source {
	case "telemetry", "personal_context":
	default:
		return fmt.Errorf("invalid source %q", s.Source)
	}
	if s.Pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if s.Confidence < 0.7 || s.Confidence > 1.0 {
		return fmt.Errorf("confidence %f out of bounds", s.Confidence)
	}
	if utf8.RuneCountInString(s.Summary) > 120 {
		return fmt.Errorf("summary exceeds 120 characters")
	}
	if _, err := toPayload(s); err != nil {
		return fmt.Errorf("not JSON-serializable: %w", err)
	}
	return nil
}

func toPayload(s *Signal) (map[string]interface{}, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// priorityValue maps a Signal priority to the bus's integer priority
// scale: {CRITICAL:10, HIGH:5, NORMAL:0}.
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

// Stats summarizes detector occurrence history for dashboards.
type Stats struct {
	PatternStats []detector.PatternStats `json:"pattern_stats"`
}

// GetStats returns the detector's occurrence history.
func (a *Agent) GetStats() Stats {
	return Stats{PatternStats: a.detector.GetPatternStats()}
}
