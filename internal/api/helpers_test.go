package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/sentinel/internal/gate"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/lock"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/internal/target"
	"github.com/davidahmann/sentinel/pkg/types"
)

const (
	testTarget    = "ops-target"
	testOwner     = "ops-owner"
	testSubmitter = "sentinel-workflow"
	testIdentity  = "sentinel-gate"
	testStart     = int64(1_735_000_000)
)

const testPolicyYAML = `policy_id: SENTINELFLOW_POLICY_V0
policy_version: 0.1.0
signal_type: PRICE_DEVIATION_BPS
thresholds:
  risk_bps: 250
  pause_bps: 700
cooldown_seconds: 60
`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memSink struct {
	mu     sync.Mutex
	writes map[string][]byte
	err    error
}

func (s *memSink) Write(_ context.Context, id string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.writes == nil {
		s.writes = map[string][]byte{}
	}
	s.writes[id] = data
	return "mem://" + id, nil
}

// failingJournal rejects every journal append.
type failingJournal struct {
	ledger.Store
}

func (failingJournal) AppendEntry(ledger.EntryRecord) (int64, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	svc   *EvaluateService
	store ledger.Store
	clock *testClock
	sink  *memSink
}

func newFixture(t *testing.T, store ledger.Store, mode types.ExecutionMode) fixture {
	t.Helper()
	loaded, err := policy.ParsePolicy([]byte(testPolicyYAML))
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(testStart, 0).UTC()}
	g := &gate.Gate{
		Store:     store,
		Locker:    lock.NewKeyedMutex(),
		Submitter: testSubmitter,
		Identity:  testIdentity,
		Now:       clock.Now,
	}
	_, err = g.EnsureTarget(context.Background(), testTarget, testOwner, target.ModeNormal)
	require.NoError(t, err)

	sink := &memSink{}
	svc, err := NewEvaluateService(NewEvaluateServiceInput{
		Policy:   loaded,
		Gate:     g,
		Store:    store,
		Sink:     sink,
		Mode:     mode,
		TargetID: testTarget,
	})
	require.NoError(t, err)
	svc.Now = clock.Now
	n := 0
	svc.NewID = func() string {
		n++
		return fmt.Sprintf("entry-%03d", n)
	}
	return fixture{svc: svc, store: store, clock: clock, sink: sink}
}

func value(v int64) *int64 { return &v }
