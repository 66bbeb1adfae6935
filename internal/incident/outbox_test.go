package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/sentinel/internal/ledger"
)

type flakySink struct {
	calls int
	fail  int
}

func (s *flakySink) Write(_ context.Context, id string, _ []byte) (string, error) {
	s.calls++
	if s.calls <= s.fail {
		return "", errors.New("bucket unavailable")
	}
	return "mem://" + id, nil
}

func TestOutboxRetryThenSuccess(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Enqueue(store, "e1", "sf-1", []byte(`{"entry_id":"e1"}`), errors.New("disk full"), now))
	rec, ok := store.GetIncidentOutbox("e1")
	require.True(t, ok)
	require.Equal(t, OutboxStatusPending, rec.Status)
	require.Equal(t, now.Add(5*time.Second).Format(time.RFC3339), rec.NextAttemptAt)

	sink := &flakySink{fail: 1}
	n, err := ProcessOutboxDue(context.Background(), store, sink, now, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "nothing is due before the backoff elapses")

	later := now.Add(5 * time.Second)
	n, err = ProcessOutboxDue(context.Background(), store, sink, later, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, _ = store.GetIncidentOutbox("e1")
	require.Equal(t, OutboxStatusPending, rec.Status)
	require.Equal(t, 2, rec.AttemptCount)
	require.Equal(t, later.Add(10*time.Second).Format(time.RFC3339), rec.NextAttemptAt)
	require.Equal(t, "bucket unavailable", *rec.LastError)

	final := later.Add(10 * time.Second)
	n, err = ProcessOutboxDue(context.Background(), store, sink, final, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, _ = store.GetIncidentOutbox("e1")
	require.Equal(t, OutboxStatusSent, rec.Status)
	require.NotNil(t, rec.SentAt)
}

func TestProcessOutboxGuards(t *testing.T) {
	_, err := ProcessOutboxDue(context.Background(), nil, &flakySink{}, time.Now(), 1)
	require.Error(t, err)
	n, err := ProcessOutboxDue(context.Background(), ledger.NewInMemoryStore(), nil, time.Now(), 1)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNextAttemptBackoff(t *testing.T) {
	require.Equal(t, 5*time.Second, nextAttempt(0))
	require.Equal(t, 10*time.Second, nextAttempt(1))
	require.Equal(t, 20*time.Second, nextAttempt(2))
	require.Equal(t, 5*time.Minute, nextAttempt(7))
	require.Equal(t, 5*time.Minute, nextAttempt(64))
}

func TestRunOutboxWorkerStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunOutboxWorker(ctx, ledger.NewInMemoryStore(), &flakySink{}, 5*time.Millisecond, nil)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}
