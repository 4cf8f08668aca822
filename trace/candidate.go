// ABOUTME: Sampled-candidate capture policy: one tagged variant covering the three
// ABOUTME: accepted entry shapes, normalized into CandidateDecisions at the boundary.
package trace

// SampledCandidate is the single variant type for a Tier 2 candidate entry.
// The three accepted shapes — bare, with reasoning, with score and reasoning —
// all decode into this struct once at the ingestion boundary; downstream code
// never re-inspects shape. The decision is not part of the entry: it comes
// from the bucket the entry was supplied in.
type SampledCandidate struct {
	CandidateID string
	Attributes  map[string]any
	Score       map[string]float64
	Reasoning   string
	hasScore    bool
}

// NewCandidate builds a bare entry: attributes only, no reasoning or score.
func NewCandidate(candidateID string, attributes map[string]any) SampledCandidate {
	return SampledCandidate{CandidateID: candidateID, Attributes: attributes}
}

// CandidateWithReasoning builds an entry carrying free-text reasoning but no score.
func CandidateWithReasoning(candidateID string, attributes map[string]any, reasoning string) SampledCandidate {
	return SampledCandidate{CandidateID: candidateID, Attributes: attributes, Reasoning: reasoning}
}

// ScoredCandidate builds the full entry: attributes, score mapping, and reasoning.
// A nil score is stored as an empty, non-nil mapping so the decision records
// that a score was supplied.
func ScoredCandidate(candidateID string, attributes map[string]any, score map[string]float64, reasoning string) SampledCandidate {
	if score == nil {
		score = map[string]float64{}
	}
	return SampledCandidate{
		CandidateID: candidateID,
		Attributes:  attributes,
		Score:       score,
		Reasoning:   reasoning,
		hasScore:    true,
	}
}

// Buckets holds the sampled candidates for one step invocation, keyed by
// decision. No bucket is bounded: callers are expected to sample, and the
// core stores whatever it is given.
type Buckets struct {
	Accepted []SampledCandidate
	Rejected []SampledCandidate
	Selected []SampledCandidate
}

// Empty reports whether no bucket contains any entry.
func (b Buckets) Empty() bool {
	return len(b.Accepted) == 0 && len(b.Rejected) == 0 && len(b.Selected) == 0
}

// Normalize flattens the buckets into CandidateDecisions for the given step.
// The decision value is set from the bucket name; reasoning and score are
// populated when the entry shape carried them and left empty otherwise.
// Ordering is accepted, rejected, selected, each bucket in caller order.
func (b Buckets) Normalize(stepID string) []CandidateDecision {
	out := make([]CandidateDecision, 0, len(b.Accepted)+len(b.Rejected)+len(b.Selected))
	appendBucket := func(entries []SampledCandidate, decision Decision) {
		for _, e := range entries {
			cd := CandidateDecision{
				ID:          NewCandidateID(),
				StepID:      stepID,
				CandidateID: e.CandidateID,
				Attributes:  e.Attributes,
				Decision:    decision,
				Reasoning:   e.Reasoning,
			}
			if e.hasScore {
				cd.Score = e.Score
			}
			out = append(out, cd)
		}
	}
	appendBucket(b.Accepted, DecisionAccepted)
	appendBucket(b.Rejected, DecisionRejected)
	appendBucket(b.Selected, DecisionSelected)
	return out
}
