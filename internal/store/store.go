// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
)

// Repository defines the interface for persisting sessions, turns, user
// facts and health snapshots.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession persists the mutable session fields (turn count, stage,
	// trust level, last activity).
	UpdateSession(ctx context.Context, session *domain.Session) error

	// GetExpiredSessions lists sessions whose last activity is older than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// DeleteSession removes a session and all of its turns, facts and
	// health snapshots.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendTurn persists one exchange. Seq must be unique per session.
	AppendTurn(ctx context.Context, turn *domain.Turn) error

	// RecentTurns returns up to n turns of a session, newest first.
	RecentTurns(ctx context.Context, sessionID string, n int) ([]*domain.Turn, error)

	// GetFact retrieves a fact by its key. Returns (nil, nil) when absent.
	GetFact(ctx context.Context, sessionID, factType, keyPhrase string) (*domain.Fact, error)

	// InsertFact inserts a new fact.
	InsertFact(ctx context.Context, fact *domain.Fact) error

	// UpdateFact persists the mutable fact fields (value, confidence,
	// confirmation count, last confirmed, contradiction log).
	UpdateFact(ctx context.Context, fact *domain.Fact) error

	// ListFacts returns all facts of a session ordered by confidence desc.
	ListFacts(ctx context.Context, sessionID string) ([]*domain.Fact, error)

	// TopFacts returns up to limit critical/high facts above minConfidence,
	// ordered by priority then confidence.
	TopFacts(ctx context.Context, sessionID string, minConfidence float64, limit int) ([]*domain.Fact, error)

	// DeleteUncertainFacts removes facts below maxConfidence that were never
	// confirmed more than once. Repeatedly mentioned facts are never removed.
	DeleteUncertainFacts(ctx context.Context, sessionID string, maxConfidence float64) (int64, error)

	// ReinforceConfirmedFacts raises confidence by boost (capped at 1.0) for
	// facts confirmed more than minConfirmations times.
	ReinforceConfirmedFacts(ctx context.Context, sessionID string, boost float64, minConfirmations int) (int64, error)

	// CountFacts returns the total number of facts and how many of them
	// carry at least one logged contradiction.
	CountFacts(ctx context.Context, sessionID string) (total int, contradicted int, err error)

	// CountFactsSince returns the number of facts first mentioned after the
	// given time.
	CountFactsSince(ctx context.Context, sessionID string, since time.Time) (int, error)

	// InsertHealthSnapshot appends a health assessment.
	InsertHealthSnapshot(ctx context.Context, snapshot *domain.HealthSnapshot) error

	// LatestHealthSnapshot returns the most recent snapshot for a session.
	// Returns (nil, nil) when none exists.
	LatestHealthSnapshot(ctx context.Context, sessionID string) (*domain.HealthSnapshot, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
