// Package patterns implements the pattern store: a layer over the
// persistent key/value store specialized for recording and searching
// detected patterns, and for tracking their healing success rate.
package patterns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalforge/signalforge/internal/store"
)

// Store records and retrieves detected patterns on top of a K/V store.
type Store struct {
	kv *store.Store
}

// New wraps an existing K/V store as a pattern store.
func New(kv *store.Store) *Store {
	return &Store{kv: kv}
}

// Pattern is a single stored pattern record.
type Pattern struct {
	Key           string                 `json:"key"`
	PatternType   string                 `json:"pattern_type"`
	PatternName   string                 `json:"pattern_name"`
	Content       string                 `json:"content"`
	Confidence    float64                `json:"confidence"`
	EvidenceCount int                    `json:"evidence_count"`
	Timestamp     string                 `json:"timestamp"`
	SuccessRate   float64                `json:"success_rate,omitempty"`
	Attempts      int                    `json:"attempts,omitempty"`
	Metadata      map[string]interface{} `json:"-"`
}

// StorePattern records a new pattern under key "<type>:<name>:<timestamp>".
func (s *Store) StorePattern(ctx context.Context, patternType, patternName, content string, confidence float64, evidenceCount int, metadata map[string]interface{}) (string, error) {
	if strings.TrimSpace(patternType) == "" || strings.TrimSpace(patternName) == "" {
		return "", fmt.Errorf("%w: pattern_type and pattern_name are required", store.ErrValidation)
	}
	if evidenceCount < 1 {
		evidenceCount = 1
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	key := fmt.Sprintf("%s:%s:%s", patternType, patternName, timestamp)

	value := map[string]interface{}{
		"pattern_type":   patternType,
		"pattern_name":   patternName,
		"content":        content,
		"confidence":     confidence,
		"evidence_count": evidenceCount,
		"timestamp":      timestamp,
	}
	for k, v := range metadata {
		value[k] = v
	}

	if err := s.kv.Set(ctx, key, value, nil); err != nil {
		return "", fmt.Errorf("patterns: store: %w", err)
	}
	return key, nil
}

func toPattern(e *store.Entry) *Pattern {
	p := &Pattern{Key: e.Key, Metadata: e.Value}
	if v, ok := e.Value["pattern_type"].(string); ok {
		p.PatternType = v
	}
	if v, ok := e.Value["pattern_name"].(string); ok {
		p.PatternName = v
	}
	if v, ok := e.Value["content"].(string); ok {
		p.Content = v
	}
	if v, ok := e.Value["confidence"].(float64); ok {
		p.Confidence = v
	}
	if v, ok := e.Value["evidence_count"].(float64); ok {
		p.EvidenceCount = int(v)
	}
	if v, ok := e.Value["timestamp"].(string); ok {
		p.Timestamp = v
	}
	if v, ok := e.Value["success_rate"].(float64); ok {
		p.SuccessRate = v
	}
	if v, ok := e.Value["attempts"].(float64); ok {
		p.Attempts = int(v)
	}
	return p
}

// SearchOptions filters SearchPatterns results.
type SearchOptions struct {
	PatternType   string
	PatternName   string
	Query         string
	MinConfidence float64
	// Limit caps the number of results returned; 0 means unlimited.
	Limit int
}

// SearchPatterns filters stored patterns matching the given options.
// Query is a case-insensitive substring match against the pattern's
// summary/content field only.
func (s *Store) SearchPatterns(ctx context.Context, opts SearchOptions) ([]*Pattern, error) {
	entries, err := s.kv.Query(ctx, func(e *store.Entry) bool {
		if _, ok := e.Value["pattern_type"]; !ok {
			return false
		}
		if opts.PatternType != "" && e.Value["pattern_type"] != opts.PatternType {
			return false
		}
		if opts.PatternName != "" && e.Value["pattern_name"] != opts.PatternName {
			return false
		}
		if opts.Query != "" {
			summary, _ := e.Value["summary"].(string)
			if summary == "" {
				summary, _ = e.Value["content"].(string)
			}
			if !strings.Contains(strings.ToLower(summary), strings.ToLower(opts.Query)) {
				return false
			}
		}
		if opts.MinConfidence > 0 {
			conf, _ := e.Value["confidence"].(float64)
			if conf < opts.MinConfidence {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("patterns: search: %w", err)
	}

	results := make([]*Pattern, 0, len(entries))
	for _, e := range entries {
		results = append(results, toPattern(e))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Timestamp > results[j].Timestamp
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// GetTopPatterns returns the n highest-confidence patterns, optionally
// restricted to a pattern type.
func (s *Store) GetTopPatterns(ctx context.Context, patternType string, n int) ([]*Pattern, error) {
	results, err := s.SearchPatterns(ctx, SearchOptions{PatternType: patternType})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Confidence > results[j].Confidence })
	if n > 0 && len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// UpdateSuccessRate records the outcome of a healing attempt against the
// pattern stored at key, updating its running success rate. This backs
// the healing trigger's "Learn" step.
func (s *Store) UpdateSuccessRate(ctx context.Context, key string, succeeded bool) error {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("patterns: update success rate: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("patterns: update success rate: pattern %s not found", key)
	}

	attempts, _ := entry.Value["attempts"].(float64)
	successRate, _ := entry.Value["success_rate"].(float64)
	successes := successRate * attempts

	attempts++
	if succeeded {
		successes++
	}
	entry.Value["attempts"] = attempts
	entry.Value["success_rate"] = successes / attempts

	if err := s.kv.Set(ctx, key, entry.Value, entry.Metadata); err != nil {
		return fmt.Errorf("patterns: update success rate: %w", err)
	}
	return nil
}

// Stats summarizes the pattern store's contents.
type Stats struct {
	TotalEntries int    `json:"total_entries"`
	PatternCount int    `json:"pattern_count"`
	Connected    bool   `json:"database_connected"`
	Table        string `json:"table_name"`
}

// GetStats returns summary counters over the pattern store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	base, err := s.kv.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("patterns: stats: %w", err)
	}
	entries, err := s.kv.Query(ctx, func(e *store.Entry) bool {
		_, ok := e.Value["pattern_type"]
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("patterns: stats: %w", err)
	}
	return &Stats{
		TotalEntries: base.TotalEntries,
		PatternCount: len(entries),
		Connected:    base.Connected,
		Table:        base.Table,
	}, nil
}
