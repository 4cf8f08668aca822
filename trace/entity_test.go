// ABOUTME: Tests for entity ID generation and status/decision enums.
// ABOUTME: Verifies ULID creation ordering for executions and enum validity checks.
package trace

import (
	"testing"
	"time"
)

func TestNewExecutionIDsSortByCreation(t *testing.T) {
	a := NewExecutionID()
	time.Sleep(2 * time.Millisecond)
	b := NewExecutionID()
	if a == b {
		t.Fatal("execution IDs must be unique")
	}
	// ULIDs generated later never sort before earlier ones.
	if b < a {
		t.Errorf("expected %q to sort at or after %q", b, a)
	}
}

func TestNewStepAndCandidateIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		for _, id := range []string{NewStepID(), NewCandidateID()} {
			if seen[id] {
				t.Fatalf("duplicate ID %q", id)
			}
			seen[id] = true
		}
	}
}

func TestStatusValidity(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusSuccess, StatusFailure} {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	if Status("done").Valid() {
		t.Error("unknown status should be invalid")
	}
	if StatusRunning.Terminal() {
		t.Error("running is not terminal")
	}
	if !StatusSuccess.Terminal() || !StatusFailure.Terminal() {
		t.Error("success and failure are terminal")
	}
}

func TestDecisionValidity(t *testing.T) {
	for _, d := range []Decision{DecisionAccepted, DecisionRejected, DecisionSelected} {
		if !d.Valid() {
			t.Errorf("decision %q should be valid", d)
		}
	}
	if Decision("maybe").Valid() {
		t.Error("unknown decision should be invalid")
	}
}
