package store

import (
	"context"
	"testing"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	s, err := Open(":memory:", "store")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, func() { s.Close() }
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	value := map[string]interface{}{"pattern_type": "failure.critical_error", "summary": "boom"}
	if err := s.Set(ctx, "k1", value, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	entry, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Value["summary"] != "boom" {
		t.Errorf("Value[summary] = %v, want boom", entry.Value["summary"])
	}
}

func TestGetMissingKeyReturnsNothing(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	entry, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() of missing key error = %v, want nil", err)
	}
	if entry != nil {
		t.Errorf("Get() of missing key = %v, want nil entry", entry)
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", map[string]interface{}{"n": 1}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	first, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := s.Set(ctx, "k1", map[string]interface{}{"n": 2}, nil); err != nil {
		t.Fatalf("Set() (update) error = %v", err)
	}
	second, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() (after update) error = %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v != %v", second.CreatedAt, first.CreatedAt)
	}
	if second.Value["n"].(float64) != 2 {
		t.Errorf("Value[n] = %v, want 2", second.Value["n"])
	}
}

func TestSetRejectsEmptyKey(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	err := s.Set(context.Background(), "", map[string]interface{}{"n": 1}, nil)
	if err == nil {
		t.Fatal("Set() with empty key should fail")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}

	if err := s.Set(ctx, "k1", map[string]interface{}{"n": 1}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	entry, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if entry != nil {
		t.Errorf("Get() after delete = %v, want nil entry", entry)
	}
}

func TestListKeysPrefix(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, k := range []string{"failure:a:1", "failure:b:2", "opportunity:c:3"} {
		if err := s.Set(ctx, k, map[string]interface{}{"n": 1}, nil); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	keys, err := s.ListKeys(ctx, "failure:")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListKeys() returned %d keys, want 2", len(keys))
	}
}

func TestQuery(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", map[string]interface{}{"confidence": 0.9}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "k2", map[string]interface{}{"confidence": 0.1}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	matched, err := s.Query(ctx, func(e *Entry) bool {
		conf, ok := e.Value["confidence"].(float64)
		return ok && conf >= 0.5
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matched) != 1 || matched[0].Key != "k1" {
		t.Errorf("Query() = %v, want [k1]", matched)
	}
}

func TestGetStats(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", map[string]interface{}{"n": 1}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", stats.TotalEntries)
	}
}
