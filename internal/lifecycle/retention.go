package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/niya-labs/niya-bridge/internal/store"
)

const sweepInterval = 5 * time.Minute

// deleteSessionWithRetry deletes a session with exponential backoff to
// handle SQLITE_BUSY errors.
func deleteSessionWithRetry(ctx context.Context, mgr *Manager, sessionID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = mgr.ReleaseSession(ctx, sessionID)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
				slog.Debug("session delete failed with SQLITE_BUSY, retrying",
					"session_id", sessionID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}
		return err
	}
	return err
}

// StartRetentionWorker runs a background goroutine that periodically
// sweeps inactive sessions, releasing their agent instances and
// deleting their data.
func StartRetentionWorker(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("retention worker started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, repo, mgr, ttl)
			case <-ctx.Done():
				slog.Info("retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	expired, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("retention worker failed to get expired sessions", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	slog.Info("retention worker found expired sessions", "count", len(expired))

	for _, session := range expired {
		if err := deleteSessionWithRetry(ctx, mgr, session.SessionID); err != nil {
			slog.Warn("retention worker failed to delete session after retries",
				"error", err,
				"session_id", session.SessionID)
		}
	}

	slog.Info("retention worker sweep completed", "cleaned", len(expired))
}
