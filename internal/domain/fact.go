package domain

import (
	"time"
)

// Priority ranks how valuable a fact is when building context blocks.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort order of a priority, critical first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Contradiction records a rejected value that conflicted with a stored fact
// but was not confident enough to supersede it.
type Contradiction struct {
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Fact is a durable belief about the user, keyed by
// (session, fact type, key phrase).
//
// Confidence only rises through reinforcement and only changes downward by
// being superseded by strictly more confident contrary evidence.
type Fact struct {
	SessionID         string
	Type              string
	Category          string
	KeyPhrase         string
	Value             string
	Confidence        float64
	Priority          Priority
	FirstMentioned    time.Time
	LastConfirmed     time.Time
	ConfirmationCount int
	Contradictions    []Contradiction
}

// Key returns the fact's identity within its session.
func (f *Fact) Key() string {
	return f.Type + ":" + f.KeyPhrase
}

// CandidateFact is a single extraction from a raw user turn, before
// reconciliation against the fact store.
type CandidateFact struct {
	Type       string
	Category   string
	KeyPhrase  string
	Value      string
	Confidence float64
	Priority   Priority
}

// FactOutcome describes what reconciliation did with a candidate fact.
type FactOutcome string

const (
	// OutcomeCreated means no fact existed for the key and one was inserted.
	OutcomeCreated FactOutcome = "created"
	// OutcomeReinforced means the candidate agreed with the stored value.
	OutcomeReinforced FactOutcome = "reinforced"
	// OutcomeSuperseded means a contradicting candidate was confident enough
	// to replace the stored value.
	OutcomeSuperseded FactOutcome = "superseded"
	// OutcomeContradictionLogged means a contradicting candidate was recorded
	// but the stored value kept.
	OutcomeContradictionLogged FactOutcome = "contradiction_logged"
)
