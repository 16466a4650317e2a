package detector

import "testing"

func TestDetectCriticalError(t *testing.T) {
	d := New(0.7)
	match, err := d.Detect("FATAL: crash in module, Traceback follows", nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if match == nil {
		t.Fatal("Detect() returned nil match, want critical_error")
	}
	if match.PatternName != "critical_error" {
		t.Errorf("PatternName = %q, want critical_error", match.PatternName)
	}
}

func TestDetectRejectsEmptyText(t *testing.T) {
	d := New(0.7)
	if _, err := d.Detect("   ", nil); err == nil {
		t.Fatal("Detect() with blank text should error")
	}
}

func TestDetectNoMatchBelowThreshold(t *testing.T) {
	d := New(0.95)
	match, err := d.Detect("slightly slow", nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if match != nil {
		t.Errorf("Detect() = %v, want nil below threshold", match)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	d1 := New(0.7)
	d2 := New(0.7)
	text := "exception occurred during test"
	m1, err := d1.Detect(text, nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	m2, err := d2.Detect(text, nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if m1 == nil || m2 == nil || m1.PatternName != m2.PatternName || m1.Confidence != m2.Confidence {
		t.Errorf("Detect() not deterministic: %v vs %v", m1, m2)
	}
}

func TestDetectConfidenceBounds(t *testing.T) {
	d := New(0.5)
	match, err := d.Detect("fatal crash modulenotfounderror importerror systemexit exception traceback", nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if match == nil {
		t.Fatal("Detect() returned nil")
	}
	if match.Confidence > 1.0 {
		t.Errorf("Confidence = %v, want <= 1.0", match.Confidence)
	}
}

func TestMetadataBonusCriticalErrorType(t *testing.T) {
	d := New(0.7)
	without, err := d.Detect("exception raised", nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	withBonus, err := d.Detect("exception raised", map[string]interface{}{"error_type": "fatal"})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if withBonus.Confidence <= without.Confidence {
		t.Errorf("expected metadata bonus to raise confidence: %v vs %v", withBonus.Confidence, without.Confidence)
	}
}

func TestAdaptiveThresholdLowersAfterOccurrences(t *testing.T) {
	d := New(0.95)
	for i := 0; i < 2; i++ {
		if _, err := d.Detect("flaky test, assertionerror, intermittent, flaky", nil); err != nil {
			t.Fatalf("Detect() error = %v", err)
		}
	}
	match, err := d.Detect("intermittent failure", nil)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if match == nil {
		t.Fatal("expected adaptive threshold to allow a match after repeated occurrences")
	}
}

func TestResetHistory(t *testing.T) {
	d := New(0.7)
	if _, err := d.Detect("fatal crash", nil); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(d.GetPatternStats()) == 0 {
		t.Fatal("expected pattern history to be populated")
	}
	d.ResetHistory()
	if len(d.GetPatternStats()) != 0 {
		t.Error("ResetHistory() did not clear pattern history")
	}
}

func TestRegisterDetectorAndDetectWithCustom(t *testing.T) {
	d := New(0.99)
	d.RegisterDetector("always-match", func(text string, metadata map[string]interface{}) *Match {
		return &Match{PatternType: "custom", PatternName: "always", Confidence: 1.0}
	})

	match, err := d.DetectWithCustom("nothing heuristic matches here", nil)
	if err != nil {
		t.Fatalf("DetectWithCustom() error = %v", err)
	}
	if match == nil || match.PatternName != "always" {
		t.Errorf("DetectWithCustom() = %v, want custom match", match)
	}
}
