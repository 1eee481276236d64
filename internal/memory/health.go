package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/store"
)

const (
	// remediationThreshold is the overall score below which the monitor
	// cleans up uncertain facts and reinforces confirmed ones.
	remediationThreshold = 0.6
	// cleanupConfidence bounds which never-confirmed facts get removed.
	cleanupConfidence = 0.3
	// reinforceBoost is added to facts confirmed more than
	// reinforceMinConfirmations times.
	reinforceBoost            = 0.1
	reinforceMinConfirmations = 2

	// learningWindow is how far back learned facts count toward the
	// learning velocity score.
	learningWindow = time.Hour
)

// Monitor scores memory health per session and remediates when the
// overall score drops too low.
type Monitor struct {
	repo store.Repository
}

// NewMonitor creates a health monitor backed by the given store.
func NewMonitor(repo store.Repository) *Monitor {
	return &Monitor{repo: repo}
}

// Assess computes the four sub-scores, persists a snapshot and runs
// remediation when the overall score falls below the threshold. The
// returned bool reports whether remediation ran.
func (m *Monitor) Assess(ctx context.Context, session *domain.Session) (*domain.HealthSnapshot, bool, error) {
	retention, err := m.retentionScore(ctx, session.SessionID)
	if err != nil {
		return nil, false, fmt.Errorf("retention score: %w", err)
	}

	consistency, err := m.consistencyScore(ctx, session.SessionID)
	if err != nil {
		return nil, false, fmt.Errorf("consistency score: %w", err)
	}

	velocity, err := m.learningVelocity(ctx, session)
	if err != nil {
		return nil, false, fmt.Errorf("learning velocity: %w", err)
	}

	// Measuring whether injected context is actually used would need
	// reply attribution; a fixed baseline stands in for it.
	relevance := 0.7

	snapshot := &domain.HealthSnapshot{
		SessionID:        session.SessionID,
		Retention:        retention,
		Consistency:      consistency,
		LearningVelocity: velocity,
		ContextRelevance: relevance,
		Overall:          (retention + consistency + velocity + relevance) / 4,
		CreatedAt:        time.Now(),
	}

	if err := m.repo.InsertHealthSnapshot(ctx, snapshot); err != nil {
		return nil, false, fmt.Errorf("persist health snapshot: %w", err)
	}

	if snapshot.Overall >= remediationThreshold {
		return snapshot, false, nil
	}

	if err := m.remediate(ctx, session.SessionID); err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}

// Consolidate runs the remediation pass unconditionally. Called before
// an agent instance is released so the surviving facts are the ones
// worth reinjecting.
func (m *Monitor) Consolidate(ctx context.Context, sessionID string) error {
	return m.remediate(ctx, sessionID)
}

// remediate drops uncertain one-off facts and boosts repeatedly
// confirmed ones.
func (m *Monitor) remediate(ctx context.Context, sessionID string) error {
	deleted, err := m.repo.DeleteUncertainFacts(ctx, sessionID, cleanupConfidence)
	if err != nil {
		return fmt.Errorf("cleanup uncertain facts: %w", err)
	}

	boosted, err := m.repo.ReinforceConfirmedFacts(ctx, sessionID, reinforceBoost, reinforceMinConfirmations)
	if err != nil {
		return fmt.Errorf("reinforce confirmed facts: %w", err)
	}

	slog.Info("memory remediation applied",
		"session_id", sessionID,
		"deleted_facts", deleted,
		"boosted_facts", boosted)
	return nil
}

// retentionScore measures how often recent replies referenced stored
// facts. No turns yet scores a neutral 0.5.
func (m *Monitor) retentionScore(ctx context.Context, sessionID string) (float64, error) {
	turns, err := m.repo.RecentTurns(ctx, sessionID, 10)
	if err != nil {
		return 0, err
	}
	if len(turns) == 0 {
		return 0.5, nil
	}

	totalRefs := 0
	for _, turn := range turns {
		totalRefs += len(turn.FactRefs)
	}

	// Up to three references per turn count as full retention.
	maxPossible := len(turns) * 3
	return min(float64(totalRefs)/float64(maxPossible), 1.0), nil
}

// consistencyScore is the share of facts without logged contradictions.
func (m *Monitor) consistencyScore(ctx context.Context, sessionID string) (float64, error) {
	total, contradicted, err := m.repo.CountFacts(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 1.0, nil
	}
	return max(1.0-float64(contradicted)/float64(total), 0.0), nil
}

// learningVelocity is recently learned facts per turn.
func (m *Monitor) learningVelocity(ctx context.Context, session *domain.Session) (float64, error) {
	recent, err := m.repo.CountFactsSince(ctx, session.SessionID, time.Now().Add(-learningWindow))
	if err != nil {
		return 0, err
	}
	turns := session.TurnCount
	if turns < 1 {
		turns = 1
	}
	return min(float64(recent)/float64(turns), 1.0), nil
}
