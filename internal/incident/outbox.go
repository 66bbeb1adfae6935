package incident

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/sentinel/internal/ledger"
)

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// Enqueue stores a bundle whose write failed so the worker can retry it.
func Enqueue(store ledger.Store, entryID, decisionID string, bundleJSON []byte, cause error, now time.Time) error {
	stamp := now.UTC().Format(time.RFC3339)
	msg := cause.Error()
	return store.PutIncidentOutbox(ledger.IncidentOutboxRecord{
		EntryID:       entryID,
		DecisionID:    decisionID,
		BundleJSON:    bundleJSON,
		Status:        OutboxStatusPending,
		AttemptCount:  1,
		NextAttemptAt: now.UTC().Add(nextAttempt(0)).Format(time.RFC3339),
		LastError:     &msg,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	})
}

// ProcessOutboxDue retries due bundles against sink, backing off
// exponentially on failure.
func ProcessOutboxDue(ctx context.Context, store ledger.Store, sink Sink, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if sink == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	due, err := store.ListIncidentOutboxDue(now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != OutboxStatusPending {
			continue
		}

		stamp := now.UTC().Format(time.RFC3339)
		if _, err := sink.Write(ctx, rec.DecisionID, rec.BundleJSON); err != nil {
			rec.NextAttemptAt = now.UTC().Add(nextAttempt(rec.AttemptCount)).Format(time.RFC3339)
			rec.AttemptCount++
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = stamp
		} else {
			rec.Status = OutboxStatusSent
			rec.SentAt = &stamp
			rec.UpdatedAt = stamp
		}
		if err := store.PutIncidentOutbox(rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// nextAttempt is 5s doubling per attempt, capped at 5m.
func nextAttempt(attemptCount int) time.Duration {
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 8 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// RunOutboxWorker polls for due bundles until ctx is cancelled.
func RunOutboxWorker(ctx context.Context, store ledger.Store, sink Sink, pollInterval time.Duration, logger *slog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "incident-outbox")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := ProcessOutboxDue(ctx, store, sink, now, 25); err != nil {
				logger.ErrorContext(ctx, "process incident outbox", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "processed incident outbox", "count", n)
			}
		}
	}
}
