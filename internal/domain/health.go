package domain

import (
	"time"
)

// HealthSnapshot is one point-in-time assessment of how well the memory
// system is preserving useful information for a session. Append-only.
type HealthSnapshot struct {
	SessionID        string
	Retention        float64
	Consistency      float64
	LearningVelocity float64
	ContextRelevance float64
	Overall          float64
	CreatedAt        time.Time
}

// ContextBlock is a labeled, length-bounded text fragment injected into a
// fresh agent instance. Synthesized on demand, never persisted.
type ContextBlock struct {
	Label string
	Value string
	// MaxLength is the block's character budget. Zero means unbounded
	// (only the fixed persona block).
	MaxLength int
}
