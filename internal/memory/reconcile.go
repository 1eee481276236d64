package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// supersedeMargin is how much more confident contrary evidence must be
// before it replaces a stored value.
const supersedeMargin = 0.2

// ReconcileResult pairs a candidate's final stored state with what
// reconciliation did to reach it.
type ReconcileResult struct {
	Fact    *domain.Fact
	Outcome domain.FactOutcome
}

// Reconciler merges candidate facts into the durable fact store.
type Reconciler struct {
	repo  store.Repository
	judge ContradictionJudge
}

// NewReconciler creates a reconciler backed by the given store.
func NewReconciler(repo store.Repository, judge ContradictionJudge) *Reconciler {
	return &Reconciler{repo: repo, judge: judge}
}

// Reconcile applies each candidate against the stored facts. Storage
// errors are logged and skip the candidate; the rest still apply.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, candidates []domain.CandidateFact) []ReconcileResult {
	var results []ReconcileResult

	for _, cand := range candidates {
		result, err := r.reconcileOne(ctx, sessionID, cand)
		if err != nil {
			slog.Error("failed to reconcile fact",
				"session_id", sessionID,
				"fact_type", cand.Type,
				"key_phrase", cand.KeyPhrase,
				"error", err)
			continue
		}
		results = append(results, *result)
	}

	return results
}

func (r *Reconciler) reconcileOne(ctx context.Context, sessionID string, cand domain.CandidateFact) (*ReconcileResult, error) {
	existing, err := r.repo.GetFact(ctx, sessionID, cand.Type, cand.KeyPhrase)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if existing == nil {
		fact := &domain.Fact{
			SessionID:         sessionID,
			Type:              cand.Type,
			Category:          cand.Category,
			KeyPhrase:         cand.KeyPhrase,
			Value:             cand.Value,
			Confidence:        cand.Confidence,
			Priority:          cand.Priority,
			FirstMentioned:    now,
			LastConfirmed:     now,
			ConfirmationCount: 1,
		}
		if err := r.repo.InsertFact(ctx, fact); err != nil {
			return nil, err
		}
		return &ReconcileResult{Fact: fact, Outcome: domain.OutcomeCreated}, nil
	}

	if r.judge.Contradict(existing.Value, cand.Value) {
		if cand.Confidence > existing.Confidence+supersedeMargin {
			existing.Value = cand.Value
			existing.Confidence = cand.Confidence
			existing.ConfirmationCount++
			existing.LastConfirmed = now
			if err := r.repo.UpdateFact(ctx, existing); err != nil {
				return nil, err
			}
			return &ReconcileResult{Fact: existing, Outcome: domain.OutcomeSuperseded}, nil
		}

		existing.Contradictions = append(existing.Contradictions, domain.Contradiction{
			Value:      cand.Value,
			Confidence: cand.Confidence,
			At:         now,
		})
		if err := r.repo.UpdateFact(ctx, existing); err != nil {
			return nil, err
		}
		return &ReconcileResult{Fact: existing, Outcome: domain.OutcomeContradictionLogged}, nil
	}

	existing.Confidence = min((existing.Confidence+cand.Confidence)/2+0.1, 1.0)
	existing.ConfirmationCount++
	existing.LastConfirmed = now
	if err := r.repo.UpdateFact(ctx, existing); err != nil {
		return nil, err
	}
	return &ReconcileResult{Fact: existing, Outcome: domain.OutcomeReinforced}, nil
}
