// Package target models the managed system the engine drives: a risk mode,
// a paused flag and the single actor allowed to change them.
package target

import (
	"errors"
	"fmt"

	"github.com/davidahmann/sentinel/pkg/types"
)

type Mode int

const (
	ModeNormal Mode = iota
	ModeCaution
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeCaution:
		return "CAUTION"
	case ModeEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

func (m Mode) Valid() bool {
	return m >= ModeNormal && m <= ModeEmergency
}

var (
	ErrNotExecutor     = errors.New("caller is not the authorized actor")
	ErrNotOwner        = errors.New("caller is not the target owner")
	ErrInvalidRiskMode = errors.New("risk mode must be 0, 1 or 2")
	ErrEmptyActor      = errors.New("actor must not be empty")
)

type State struct {
	Target          string
	Owner           string
	AuthorizedActor string
	Mode            Mode
	Paused          bool
	LastAcceptedAt  *int64
	UpdatedAt       int64
}

// AuthorityEvent records a rotation of the authorized actor.
type AuthorityEvent struct {
	Target        string `json:"target"`
	PreviousActor string `json:"previous_actor"`
	NewActor      string `json:"new_actor"`
	ChangedBy     string `json:"changed_by"`
	ChangedAt     int64  `json:"changed_at"`
}

func New(targetID, owner, actor string, initial Mode) (State, error) {
	if owner == "" || actor == "" {
		return State{}, ErrEmptyActor
	}
	if !initial.Valid() {
		return State{}, ErrInvalidRiskMode
	}
	return State{Target: targetID, Owner: owner, AuthorizedActor: actor, Mode: initial}, nil
}

// ApplyPause pauses the target. Pausing an already paused target is a no-op.
func (s *State) ApplyPause(actor string) error {
	if actor != s.AuthorizedActor {
		return ErrNotExecutor
	}
	s.Paused = true
	return nil
}

func (s *State) ApplyRiskMode(actor string, level int) error {
	if actor != s.AuthorizedActor {
		return ErrNotExecutor
	}
	mode := Mode(level)
	if !mode.Valid() {
		return ErrInvalidRiskMode
	}
	s.Mode = mode
	return nil
}

// Apply performs the mutation for an action. NO_ACTION still checks the actor
// but changes nothing.
func (s *State) Apply(actor string, action types.Action, level int) error {
	switch action {
	case types.ActionPause:
		return s.ApplyPause(actor)
	case types.ActionSetRiskMode:
		return s.ApplyRiskMode(actor, level)
	default:
		if actor != s.AuthorizedActor {
			return ErrNotExecutor
		}
		return nil
	}
}

// RotateActor replaces the authorized actor. Only the owner may rotate.
func (s *State) RotateActor(caller, newActor string, at int64) (AuthorityEvent, error) {
	if caller != s.Owner {
		return AuthorityEvent{}, ErrNotOwner
	}
	if newActor == "" {
		return AuthorityEvent{}, ErrEmptyActor
	}
	event := AuthorityEvent{
		Target:        s.Target,
		PreviousActor: s.AuthorizedActor,
		NewActor:      newActor,
		ChangedBy:     caller,
		ChangedAt:     at,
	}
	s.AuthorizedActor = newActor
	s.UpdatedAt = at
	return event, nil
}

func (s State) Snapshot() types.TargetSnapshot {
	snap := types.TargetSnapshot{
		Target:          s.Target,
		Mode:            int(s.Mode),
		Paused:          s.Paused,
		AuthorizedActor: s.AuthorizedActor,
	}
	if s.LastAcceptedAt != nil {
		last := *s.LastAcceptedAt
		snap.LastAcceptedAt = &last
	}
	return snap
}

// Replay rebuilds mode, paused and the last accepted timestamp from journal
// entries applied in order over genesis. Shadow and suppressed entries never
// touched the target and are skipped.
func Replay(genesis State, entries []types.JournalEntry) State {
	s := genesis
	for _, entry := range entries {
		if entry.Target != "" && entry.Target != s.Target {
			continue
		}
		if entry.ExecutionMode == types.ModeShadow || entry.ActionExecuted == types.OutcomeCooldownBlocked {
			continue
		}
		switch entry.ActionExecuted {
		case types.OutcomePause:
			s.Paused = true
		case types.OutcomeSetRiskMode:
			if mode := Mode(entry.RiskModeLevel); mode.Valid() {
				s.Mode = mode
			}
		}
		ts := entry.Timestamp
		s.LastAcceptedAt = &ts
		s.UpdatedAt = ts
	}
	return s
}
