// Package router implements the event router and healing trigger: a
// decision tree that routes incoming events by pattern match or type,
// and an autonomous healing trigger with a per-key cooldown that
// prevents healing loops.
package router

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/signalforge/signalforge/internal/healing"
	"github.com/signalforge/signalforge/internal/patterns"
)

// Event is a generic routable occurrence: an error, a test failure, a
// file change, or anything else the pattern matcher might recognize.
type Event struct {
	Type       string                 `json:"type"`
	ErrorType  string                 `json:"error_type,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	LineNumber int                    `json:"line_number,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Response is what routing or healing produced.
type Response struct {
	Success     bool          `json:"success"`
	HandlerName string        `json:"handler_name"`
	Result      *HealingResult `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// HealingResult is the outcome of a healing attempt.
type HealingResult struct {
	Success      bool   `json:"success"`
	Skipped      bool   `json:"skipped"`
	Reason       string `json:"reason,omitempty"`
	PatternUsed  string `json:"pattern_used,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// Config configures a Router.
type Config struct {
	CooldownWindow time.Duration
	MinMatchScore  float64
}

func (c Config) withDefaults() Config {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 5 * time.Minute
	}
	if c.MinMatchScore <= 0 {
		c.MinMatchScore = 0.3
	}
	return c
}

// Router routes events to handlers and owns the healing trigger.
type Router struct {
	patterns *patterns.Store
	matcher  *PatternMatcher
	trigger  *HealingTrigger
}

// New builds a Router over the shared pattern store, applying fixes
// through executor.
func New(p *patterns.Store, executor healing.Executor, cfg Config) *Router {
	cfg = cfg.withDefaults()
	matcher := &PatternMatcher{patterns: p, minScore: cfg.MinMatchScore}
	return &Router{
		patterns: p,
		matcher:  matcher,
		trigger:  newHealingTrigger(p, executor, matcher, cfg.CooldownWindow),
	}
}

// Route implements the decision tree: pattern match fast path, then
// dispatch by event type, else log unhandled.
func (r *Router) Route(ctx context.Context, event Event) Response {
	matches, err := r.matcher.FindMatches(ctx, event)
	if err != nil {
		log.Printf("[ROUTER] pattern matching error: %v", err)
	}
	if len(matches) > 0 {
		best := matches[0]
		result := HealingResult{Success: true, PatternUsed: best.Pattern.Key, Reason: "Pattern applied successfully"}
		return Response{Success: true, HandlerName: "pattern_matched", Result: &result}
	}

	switch event.Type {
	case "error_detected":
		result, err := r.trigger.HandleError(ctx, event)
		if err != nil {
			return Response{Success: false, HandlerName: "ErrorHandler", Error: err.Error()}
		}
		return Response{Success: result.Success, HandlerName: "ErrorHandler", Result: &result}
	case "test_failure":
		failureEvent := event
		if failureEvent.ErrorType == "" {
			failureEvent.ErrorType = "TestFailure"
		}
		result, err := r.trigger.HandleError(ctx, failureEvent)
		if err != nil {
			return Response{Success: false, HandlerName: "TestFailureHandler", Error: err.Error()}
		}
		return Response{Success: result.Success, HandlerName: "TestFailureHandler", Result: &result}
	case "file_modified", "file_created":
		return Response{Success: true, HandlerName: "ChangeHandler"}
	case "pattern_matched":
		return Response{Success: true, HandlerName: "PatternHandler"}
	default:
		log.Printf("[ROUTER] unhandled event type: %s", event.Type)
		return Response{Success: false, HandlerName: "NoHandler", Error: fmt.Sprintf("no handler found for event type: %s", event.Type)}
	}
}

// HandleError exposes the healing trigger directly, for callers that
// already know an event is an error.
func (r *Router) HandleError(ctx context.Context, event Event) (HealingResult, error) {
	return r.trigger.HandleError(ctx, event)
}

// HealingTrigger attempts to heal detected errors, bounded by a
// per-(error_type, source_file) cooldown so a recurring failure cannot
// re-trigger healing every cycle.
type HealingTrigger struct {
	patterns *patterns.Store
	executor healing.Executor
	matcher  *PatternMatcher
	window   time.Duration

	mu       sync.Mutex
	cooldown map[string]time.Time
}

func newHealingTrigger(p *patterns.Store, executor healing.Executor, matcher *PatternMatcher, window time.Duration) *HealingTrigger {
	return &HealingTrigger{
		patterns: p,
		executor: executor,
		matcher:  matcher,
		window:   window,
		cooldown: make(map[string]time.Time),
	}
}

func cooldownKey(errorType, sourceFile string) string {
	if sourceFile == "" {
		sourceFile = "unknown"
	}
	return errorType + ":" + sourceFile
}

// HandleError runs the cooldown → pattern lookup → apply → learn flow.
func (h *HealingTrigger) HandleError(ctx context.Context, event Event) (HealingResult, error) {
	key := cooldownKey(event.ErrorType, event.SourceFile)

	if h.inCooldown(key) {
		return HealingResult{Success: false, Skipped: true, Reason: "cooldown"}, nil
	}

	finding := healing.Finding{
		File:      orUnknown(event.SourceFile),
		Line:      event.LineNumber,
		ErrorType: event.ErrorType,
		Snippet:   event.Message,
	}

	pattern, err := h.findPatternForError(ctx, event.ErrorType)
	if err != nil {
		log.Printf("[ROUTER] pattern lookup failed: %v", err)
	}

	var result HealingResult
	if pattern != nil {
		success, err := h.executor.Fix(ctx, finding)
		if err != nil {
			result = HealingResult{Success: false, PatternUsed: pattern.Key, Reason: fmt.Sprintf("pattern application error: %v", err), ErrorDetails: err.Error()}
		} else {
			reason := "Pattern application failed"
			if success {
				reason = "Pattern applied successfully"
			}
			result = HealingResult{Success: success, PatternUsed: pattern.Key, Reason: reason}
		}
		if updateErr := h.patterns.UpdateSuccessRate(ctx, pattern.Key, result.Success); updateErr != nil {
			log.Printf("[ROUTER] failed to update pattern success rate: %v", updateErr)
		}
	} else {
		success, err := h.executor.Fix(ctx, finding)
		if err != nil {
			result = HealingResult{Success: false, Reason: fmt.Sprintf("generic healing error: %v", err), ErrorDetails: err.Error()}
		} else {
			reason := "Generic healing failed"
			if success {
				reason = "Generic healing applied"
			}
			result = HealingResult{Success: success, Reason: reason}
		}
	}

	if !result.Success {
		h.addCooldown(key)
	}
	return result, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (h *HealingTrigger) inCooldown(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.cooldown[key]
	if !ok {
		return false
	}
	return time.Since(last) < h.window
}

func (h *HealingTrigger) addCooldown(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooldown[key] = time.Now()
}

// findPatternForError returns the highest-success-rate "error_fix"
// pattern recorded for errorType, if any.
func (h *HealingTrigger) findPatternForError(ctx context.Context, errorType string) (*patterns.Pattern, error) {
	if errorType == "" {
		return nil, nil
	}
	candidates, err := h.patterns.SearchPatterns(ctx, patterns.SearchOptions{
		PatternType: "error_fix",
		PatternName: errorType,
	})
	if err != nil {
		return nil, fmt.Errorf("router: find pattern: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.SuccessRate > best.SuccessRate {
			best = c
		}
	}
	return best, nil
}

// PatternMatch is a scored candidate pattern for a given event.
type PatternMatch struct {
	Pattern    *patterns.Pattern
	Score      float64
	Confidence float64
}

// PatternMatcher scores stored patterns against an incoming event with
// four weighted similarity factors: error-type match 0.4, file-context
// match 0.2, semantic (Jaccard) similarity 0.2, historical success
// rate 0.2.
type PatternMatcher struct {
	patterns *patterns.Store
	minScore float64
}

var wordPattern = regexp.MustCompile(`\w+`)

// FindMatches scores every stored pattern against event and returns
// those clearing the matcher's minimum threshold, sorted by score
// descending.
func (pm *PatternMatcher) FindMatches(ctx context.Context, event Event) ([]PatternMatch, error) {
	all, err := pm.patterns.SearchPatterns(ctx, patterns.SearchOptions{})
	if err != nil {
		return nil, fmt.Errorf("router: pattern matcher: %w", err)
	}

	var candidates []PatternMatch
	for _, p := range all {
		score := similarity(event, p)
		weighted := score * p.SuccessRate
		if weighted <= pm.minScore {
			continue
		}
		candidates = append(candidates, PatternMatch{
			Pattern:    p,
			Score:      weighted,
			Confidence: confidence(p),
		})
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j-1].Score < candidates[j].Score; j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}
	return candidates, nil
}

func similarity(event Event, p *patterns.Pattern) float64 {
	var score float64

	if event.ErrorType != "" {
		if patErrType, ok := p.Metadata["error_type"].(string); ok && patErrType == event.ErrorType {
			score += 0.4
		}
	}

	if similarFileContext(event, p) {
		score += 0.2
	}

	score += 0.2 * semanticSimilarity(event, p)

	if p.Attempts > 0 {
		score += 0.2 * p.SuccessRate
	}

	if score > 1.0 {
		return 1.0
	}
	return score
}

func similarFileContext(event Event, p *patterns.Pattern) bool {
	if event.SourceFile == "" {
		return false
	}
	tags := tagSet(p)
	lower := strings.ToLower(event.SourceFile)
	switch {
	case strings.Contains(lower, "test"):
		return tags["test"] || tags["uses_test"]
	case strings.HasSuffix(lower, ".go"):
		return tags["go"] || tags["uses_edit"]
	case strings.HasSuffix(lower, ".md"):
		return tags["markdown"] || tags["documentation"]
	default:
		return false
	}
}

func tagSet(p *patterns.Pattern) map[string]bool {
	set := make(map[string]bool)
	raw, _ := p.Metadata["tags"].([]interface{})
	for _, t := range raw {
		if s, ok := t.(string); ok {
			set[strings.ToLower(s)] = true
		}
	}
	return set
}

func semanticSimilarity(event Event, p *patterns.Pattern) float64 {
	eventText := event.Message
	for _, v := range event.Metadata {
		eventText += " " + fmt.Sprintf("%v", v)
	}

	patternText := p.Content
	for _, t := range tagSetSlice(p) {
		patternText += " " + t
	}

	eventWords := wordSet(eventText)
	patternWords := wordSet(patternText)
	if len(eventWords) == 0 || len(patternWords) == 0 {
		return 0
	}

	intersection := 0
	union := make(map[string]bool, len(eventWords)+len(patternWords))
	for w := range eventWords {
		union[w] = true
		if patternWords[w] {
			intersection++
		}
	}
	for w := range patternWords {
		union[w] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func tagSetSlice(p *patterns.Pattern) []string {
	raw, _ := p.Metadata["tags"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func wordSet(s string) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// confidence scores trust in a pattern for this match, boosting
// frequently-used patterns and discounting never-used ones.
func confidence(p *patterns.Pattern) float64 {
	c := p.SuccessRate
	switch {
	case p.Attempts > 5:
		c = min1(c * 1.1)
	case p.Attempts == 0:
		c = c * 0.8
	}
	return c
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
