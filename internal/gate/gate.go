// Package gate is the cooldown state machine in front of the managed target.
// Every evaluation for a target runs under that target's lock and inside a
// store transaction, so at most one action is accepted per cooldown window
// no matter how submissions interleave.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/lock"
	"github.com/davidahmann/sentinel/internal/target"
	"github.com/davidahmann/sentinel/internal/telemetry"
	"github.com/davidahmann/sentinel/pkg/types"
)

var (
	ErrInvalidSender = errors.New("submitter is not the authorized sender")
	ErrUnknownTarget = errors.New("target is not registered")
)

type Request struct {
	Target          string
	Submitter       string
	Action          types.Action
	RiskModeLevel   int
	CooldownSeconds int64
}

// Admission is the gate's verdict for one request.
type Admission struct {
	Now              int64
	Accepted         bool
	Outcome          types.Outcome
	Reason           string
	RemainingSeconds int64
	State            target.State
}

// Commit runs after the gate decided and before the target lock is released.
// The journal append happens here so journal order matches gate order.
type Commit func(ctx context.Context, adm Admission)

type Gate struct {
	Store     ledger.Store
	Locker    lock.Locker
	Submitter string
	Identity  string
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default().With("component", "gate")
}

// Evaluate authorizes the submitter, applies the cooldown rule and, when the
// request is accepted, mutates the target. Suppression is a normal result.
func (g *Gate) Evaluate(ctx context.Context, req Request, commit Commit) (Admission, error) {
	if req.Submitter != g.Submitter {
		g.Metrics.AuthRejected(ctx, "invalid_sender")
		g.logger().WarnContext(ctx, "rejected submission", "target", req.Target, "submitter", req.Submitter)
		return Admission{}, ErrInvalidSender
	}
	if req.CooldownSeconds < 0 {
		return Admission{}, fmt.Errorf("cooldown must be non-negative: %d", req.CooldownSeconds)
	}

	release, err := g.Locker.Lock(ctx, req.Target)
	if err != nil {
		return Admission{}, fmt.Errorf("lock target %s: %w", req.Target, err)
	}
	defer g.release(ctx, req.Target, release)

	var adm Admission
	err = g.Store.WithTx(func(tx ledger.Tx) error {
		rec, ok, err := tx.GetTargetState(req.Target)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownTarget
		}
		state := stateFromRecord(rec)
		now := g.now()
		adm = Admission{Now: now.Unix(), State: state}

		if remaining := cooldownRemaining(state.LastAcceptedAt, adm.Now, req.CooldownSeconds); remaining > 0 {
			adm.Outcome = types.OutcomeCooldownBlocked
			adm.RemainingSeconds = remaining
			adm.Reason = SuppressionReason(remaining, req.CooldownSeconds)
			return nil
		}

		if req.Action != types.ActionNone {
			if err := state.Apply(g.Identity, req.Action, req.RiskModeLevel); err != nil {
				return err
			}
		}
		accepted := adm.Now
		state.LastAcceptedAt = &accepted
		state.UpdatedAt = adm.Now
		if err := tx.PutTargetState(recordFromState(state, now)); err != nil {
			return err
		}
		adm.Accepted = true
		adm.Outcome = types.OutcomeOf(req.Action)
		adm.State = state
		return nil
	})
	if err != nil {
		return Admission{}, err
	}

	if !adm.Accepted {
		g.Metrics.Suppressed(ctx, req.Target)
		g.logger().InfoContext(ctx, "cooldown suppressed action",
			"target", req.Target, "action", req.Action, "remaining_seconds", adm.RemainingSeconds)
	}
	if commit != nil {
		commit(ctx, adm)
	}
	return adm, nil
}

func (g *Gate) release(ctx context.Context, key string, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		g.logger().ErrorContext(ctx, "release target lock", "target", key, "error", err)
	}
}

// cooldownRemaining returns how many seconds of the window are left, or 0 if
// an action may be accepted. A clock that moved backwards counts as no time
// elapsed.
func cooldownRemaining(last *int64, now, cooldown int64) int64 {
	if last == nil || cooldown <= 0 {
		return 0
	}
	elapsed := now - *last
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

func SuppressionReason(remaining, cooldown int64) string {
	return fmt.Sprintf("Cooldown active: %ds remaining of %ds window", remaining, cooldown)
}

// EnsureTarget registers a target on first start. An existing target is left
// untouched and returned.
func (g *Gate) EnsureTarget(ctx context.Context, targetID, owner string, initial target.Mode) (target.State, error) {
	release, err := g.Locker.Lock(ctx, targetID)
	if err != nil {
		return target.State{}, fmt.Errorf("lock target %s: %w", targetID, err)
	}
	defer g.release(ctx, targetID, release)

	var state target.State
	err = g.Store.WithTx(func(tx ledger.Tx) error {
		rec, ok, err := tx.GetTargetState(targetID)
		if err != nil {
			return err
		}
		if ok {
			state = stateFromRecord(rec)
			return nil
		}
		state, err = target.New(targetID, owner, g.Identity, initial)
		if err != nil {
			return err
		}
		now := g.now()
		state.UpdatedAt = now.Unix()
		return tx.PutTargetState(recordFromState(state, now))
	})
	if err != nil {
		return target.State{}, err
	}
	return state, nil
}

// RotateActor changes the target's authorized actor on behalf of its owner
// and records the authority event in the same transaction.
func (g *Gate) RotateActor(ctx context.Context, targetID, caller, newActor string) (target.AuthorityEvent, error) {
	release, err := g.Locker.Lock(ctx, targetID)
	if err != nil {
		return target.AuthorityEvent{}, fmt.Errorf("lock target %s: %w", targetID, err)
	}
	defer g.release(ctx, targetID, release)

	var event target.AuthorityEvent
	err = g.Store.WithTx(func(tx ledger.Tx) error {
		rec, ok, err := tx.GetTargetState(targetID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownTarget
		}
		state := stateFromRecord(rec)
		now := g.now()
		event, err = state.RotateActor(caller, newActor, now.Unix())
		if err != nil {
			return err
		}
		if err := tx.PutTargetState(recordFromState(state, now)); err != nil {
			return err
		}
		return tx.AppendAuthorityEvent(ledger.AuthorityEventRecord{
			TargetID:      event.Target,
			PreviousActor: event.PreviousActor,
			NewActor:      event.NewActor,
			ChangedBy:     event.ChangedBy,
			ChangedAt:     event.ChangedAt,
		})
	})
	if err != nil {
		return target.AuthorityEvent{}, err
	}
	g.logger().InfoContext(ctx, "authorized actor rotated",
		"target", targetID, "previous", event.PreviousActor, "new", event.NewActor, "by", caller)
	return event, nil
}

// State reads the current target state outside the gate lock.
func (g *Gate) State(targetID string) (target.State, bool) {
	rec, ok := g.Store.GetTargetState(targetID)
	if !ok {
		return target.State{}, false
	}
	return stateFromRecord(rec), true
}

func stateFromRecord(rec ledger.TargetStateRecord) target.State {
	state := target.State{
		Target:          rec.TargetID,
		Owner:           rec.Owner,
		AuthorizedActor: rec.AuthorizedActor,
		Mode:            target.Mode(rec.Mode),
		Paused:          rec.Paused,
	}
	if rec.LastAcceptedAt != nil {
		last := *rec.LastAcceptedAt
		state.LastAcceptedAt = &last
	}
	if ts, ok := parseTimestamp(rec.UpdatedAt); ok {
		state.UpdatedAt = ts.Unix()
	}
	return state
}

// Postgres renders timestamptz::text without the RFC 3339 "T".
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05Z07:00",
}

func parseTimestamp(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func recordFromState(state target.State, now time.Time) ledger.TargetStateRecord {
	return ledger.TargetStateRecord{
		TargetID:        state.Target,
		Owner:           state.Owner,
		AuthorizedActor: state.AuthorizedActor,
		Mode:            int(state.Mode),
		Paused:          state.Paused,
		LastAcceptedAt:  state.LastAcceptedAt,
		UpdatedAt:       now.Format(time.RFC3339),
	}
}
