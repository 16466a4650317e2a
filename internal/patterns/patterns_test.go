package patterns

import (
	"context"
	"testing"

	"github.com/signalforge/signalforge/internal/store"
)

func setupTestPatternStore(t *testing.T) (*Store, func()) {
	t.Helper()
	kv, err := store.Open(":memory:", "store")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	return New(kv), func() { kv.Close() }
}

func TestStoreAndSearchPattern(t *testing.T) {
	s, cleanup := setupTestPatternStore(t)
	defer cleanup()
	ctx := context.Background()

	key, err := s.StorePattern(ctx, "failure.critical_error", "nil-deref", "boom crashed", 0.9, 1,
		map[string]interface{}{"summary": "Critical Error: boom crashed"})
	if err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}
	if key == "" {
		t.Fatal("StorePattern() returned empty key")
	}

	results, err := s.SearchPatterns(ctx, SearchOptions{PatternType: "failure.critical_error", MinConfidence: 0.5})
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("SearchPatterns() returned %d results, want 1", len(results))
	}
	if results[0].PatternName != "nil-deref" {
		t.Errorf("PatternName = %q, want nil-deref", results[0].PatternName)
	}
}

func TestSearchPatternsConfidenceFloor(t *testing.T) {
	s, cleanup := setupTestPatternStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.StorePattern(ctx, "failure.flaky_test", "a", "x", 0.2, 1, nil); err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}

	results, err := s.SearchPatterns(ctx, SearchOptions{MinConfidence: 0.5})
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("SearchPatterns() returned %d results, want 0", len(results))
	}
}

func TestSearchPatternsLimit(t *testing.T) {
	s, cleanup := setupTestPatternStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.StorePattern(ctx, "failure.critical_error", "a", "x", 0.8, 1, nil); err != nil {
			t.Fatalf("StorePattern() error = %v", err)
		}
	}

	results, err := s.SearchPatterns(ctx, SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(results) != 5 {
		t.Errorf("SearchPatterns() returned %d results, want 5", len(results))
	}
}

func TestUpdateSuccessRate(t *testing.T) {
	s, cleanup := setupTestPatternStore(t)
	defer cleanup()
	ctx := context.Background()

	key, err := s.StorePattern(ctx, "failure.critical_error", "a", "x", 0.8, 1, nil)
	if err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}

	if err := s.UpdateSuccessRate(ctx, key, true); err != nil {
		t.Fatalf("UpdateSuccessRate() error = %v", err)
	}
	if err := s.UpdateSuccessRate(ctx, key, false); err != nil {
		t.Fatalf("UpdateSuccessRate() error = %v", err)
	}

	results, err := s.SearchPatterns(ctx, SearchOptions{PatternType: "failure.critical_error"})
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("SearchPatterns() returned %d results, want 1", len(results))
	}
	if results[0].SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", results[0].SuccessRate)
	}
	if results[0].Attempts != 2 {
		t.Errorf("Attempts = %v, want 2", results[0].Attempts)
	}
}

func TestGetTopPatterns(t *testing.T) {
	s, cleanup := setupTestPatternStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.StorePattern(ctx, "failure.critical_error", "low", "x", 0.3, 1, nil); err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}
	if _, err := s.StorePattern(ctx, "failure.critical_error", "high", "x", 0.95, 1, nil); err != nil {
		t.Fatalf("StorePattern() error = %v", err)
	}

	top, err := s.GetTopPatterns(ctx, "failure.critical_error", 1)
	if err != nil {
		t.Fatalf("GetTopPatterns() error = %v", err)
	}
	if len(top) != 1 || top[0].PatternName != "high" {
		t.Errorf("GetTopPatterns() = %v, want [high]", top)
	}
}
