// ABOUTME: Tests for sampled-candidate normalization across the three entry shapes.
// ABOUTME: Verifies decision-from-bucket mapping, score/reasoning population, and ordering.
package trace

import "testing"

func TestNormalizeThreeEntryShapes(t *testing.T) {
	bare := NewCandidate("c1", map[string]any{"price": 50})
	pair := CandidateWithReasoning("c2", map[string]any{"price": 150}, "price too high")
	triple := ScoredCandidate("c3", map[string]any{"price": 80}, map[string]float64{"relevance": 0.85}, "best match")

	decisions := Buckets{Accepted: []SampledCandidate{bare, pair, triple}}.Normalize("step-1")
	if len(decisions) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(decisions))
	}

	// Bare: reasoning empty, score absent.
	if decisions[0].Reasoning != "" {
		t.Errorf("bare entry: expected empty reasoning, got %q", decisions[0].Reasoning)
	}
	if decisions[0].Score != nil {
		t.Errorf("bare entry: expected nil score, got %v", decisions[0].Score)
	}

	// Pair: reasoning populated, score absent.
	if decisions[1].Reasoning != "price too high" {
		t.Errorf("pair entry: unexpected reasoning %q", decisions[1].Reasoning)
	}
	if decisions[1].Score != nil {
		t.Errorf("pair entry: expected nil score, got %v", decisions[1].Score)
	}

	// Triple: both populated.
	if decisions[2].Reasoning != "best match" {
		t.Errorf("triple entry: unexpected reasoning %q", decisions[2].Reasoning)
	}
	if decisions[2].Score == nil || decisions[2].Score["relevance"] != 0.85 {
		t.Errorf("triple entry: unexpected score %v", decisions[2].Score)
	}
}

func TestNormalizeTripleWithNilScoreStaysPopulated(t *testing.T) {
	triple := ScoredCandidate("c1", nil, nil, "scored but empty")
	decisions := Buckets{Selected: []SampledCandidate{triple}}.Normalize("step-1")
	if decisions[0].Score == nil {
		t.Error("triple entry with nil score: expected empty non-nil score mapping")
	}
	if len(decisions[0].Score) != 0 {
		t.Errorf("expected empty score mapping, got %v", decisions[0].Score)
	}
}

func TestNormalizeDecisionFromBucket(t *testing.T) {
	b := Buckets{
		Accepted: []SampledCandidate{NewCandidate("a", nil)},
		Rejected: []SampledCandidate{NewCandidate("r1", nil), NewCandidate("r2", nil)},
		Selected: []SampledCandidate{NewCandidate("s", nil)},
	}
	decisions := b.Normalize("step-1")
	if len(decisions) != 4 {
		t.Fatalf("expected 4 decisions, got %d", len(decisions))
	}

	want := []Decision{DecisionAccepted, DecisionRejected, DecisionRejected, DecisionSelected}
	for i, d := range decisions {
		if d.Decision != want[i] {
			t.Errorf("decision %d: expected %q, got %q", i, want[i], d.Decision)
		}
		if d.StepID != "step-1" {
			t.Errorf("decision %d: expected step-1, got %q", i, d.StepID)
		}
		if d.ID == "" {
			t.Errorf("decision %d: missing generated ID", i)
		}
	}
}

func TestNormalizeUnboundedBuckets(t *testing.T) {
	var rejected []SampledCandidate
	for i := 0; i < 500; i++ {
		rejected = append(rejected, NewCandidate("c", nil))
	}
	decisions := Buckets{Rejected: rejected}.Normalize("step-1")
	if len(decisions) != 500 {
		t.Errorf("buckets must not be truncated: expected 500, got %d", len(decisions))
	}
}

func TestBucketsEmpty(t *testing.T) {
	if !(Buckets{}).Empty() {
		t.Error("zero buckets should be empty")
	}
	if (Buckets{Accepted: []SampledCandidate{NewCandidate("a", nil)}}).Empty() {
		t.Error("non-zero buckets should not be empty")
	}
}
