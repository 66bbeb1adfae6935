package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/sentinel/internal/auth"
	"github.com/davidahmann/sentinel/internal/decision"
	"github.com/davidahmann/sentinel/internal/gate"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/target"
	"github.com/davidahmann/sentinel/pkg/types"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	Auth      auth.Authenticator
	Service   *EvaluateService
	Validator *SubmissionValidator
}

func (h *Handler) Decisions(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.Service == nil || h.Validator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	sub, err := h.Validator.Decode(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.Service.Evaluate(r.Context(), claims.Subject, sub, strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	q, err := parseEntryQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	page, err := h.Service.Journal(q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Target(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	targetID := chi.URLParam(r, "target")
	state, ok := h.Service.Gate.State(targetID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "target not found"})
		return
	}
	recs, err := h.Service.Store.ListAuthorityEvents(targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	events := make([]target.AuthorityEvent, 0, len(recs))
	for _, rec := range recs {
		events = append(events, target.AuthorityEvent{
			Target:        rec.TargetID,
			PreviousActor: rec.PreviousActor,
			NewActor:      rec.NewActor,
			ChangedBy:     rec.ChangedBy,
			ChangedAt:     rec.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":           state.Snapshot(),
		"mode":             state.Mode.String(),
		"owner":            state.Owner,
		"authority_events": events,
	})
}

func (h *Handler) RotateActor(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	var req struct {
		NewActor string `json:"new_actor"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.NewActor) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "new_actor is required"})
		return
	}

	event, err := h.Service.Gate.RotateActor(r.Context(), chi.URLParam(r, "target"), claims.Subject, strings.TrimSpace(req.NewActor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) Incident(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	bundle, err := h.Service.Incident(chi.URLParam(r, "entry_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
		return
	}

	recent := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		recent = n
	}
	report, err := h.Service.Health(recent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Verify recomputes a decision id, either for a stored entry (?entry_id=) or
// from explicit inputs (?id=&target=&policy_id=&value=&action=&timestamp=).
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	q := r.URL.Query()
	var (
		id string
		in decision.Inputs
	)
	if entryID := q.Get("entry_id"); entryID != "" {
		if h.Service == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "evaluate service not configured"})
			return
		}
		entry, err := h.Service.Entry(entryID)
		if err != nil {
			writeError(w, err)
			return
		}
		id, in = entry.DecisionID, decision.InputsOf(entry)
	} else {
		value, err1 := strconv.ParseInt(q.Get("value"), 10, 64)
		ts, err2 := strconv.ParseInt(q.Get("timestamp"), 10, 64)
		action := types.Action(q.Get("action"))
		if err1 != nil || err2 != nil || !action.Valid() || q.Get("id") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id, target, policy_id, value, action and timestamp are required"})
			return
		}
		id = q.Get("id")
		in = decision.Inputs{Target: q.Get("target"), PolicyID: q.Get("policy_id"), Value: value, Action: action, Timestamp: ts}
	}

	res, err := Verify(id, in)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	if h.Auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication not configured"})
		return auth.Claims{}, false
	}
	claims, err := h.Auth.Authenticate(r)
	if err != nil {
		if h.Service != nil {
			h.Service.Metrics.AuthRejected(r.Context(), "bearer")
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return auth.Claims{}, false
	}
	return claims, true
}

func parseEntryQuery(r *http.Request) (ledger.EntryQuery, error) {
	v := r.URL.Query()
	q := ledger.EntryQuery{TargetID: v.Get("target")}

	for _, bound := range []struct {
		name string
		dst  **int64
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(bound.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ledger.EntryQuery{}, fmt.Errorf("%s must be a unix timestamp", bound.name)
		}
		*bound.dst = &n
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return ledger.EntryQuery{}, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if raw := v.Get("after"); raw != "" {
		c, err := ParseCursor(raw)
		if err != nil {
			return ledger.EntryQuery{}, err
		}
		q.After = &c
	}
	if raw := v.Get("latest"); raw != "" {
		latest, err := strconv.ParseBool(raw)
		if err != nil {
			return ledger.EntryQuery{}, fmt.Errorf("latest must be a boolean")
		}
		q.Latest = latest
	}
	if q.Latest && q.After != nil {
		return ledger.EntryQuery{}, fmt.Errorf("latest cannot be combined with after")
	}
	return q, nil
}

// FormatCursor renders a journal position as "<timestamp>:<seq>".
func FormatCursor(c ledger.Cursor) string {
	return strconv.FormatInt(c.Timestamp, 10) + ":" + strconv.FormatInt(c.Seq, 10)
}

func ParseCursor(raw string) (ledger.Cursor, error) {
	tsRaw, seqRaw, ok := strings.Cut(raw, ":")
	if !ok {
		return ledger.Cursor{}, fmt.Errorf("after must be <timestamp>:<seq>")
	}
	ts, err1 := strconv.ParseInt(tsRaw, 10, 64)
	seq, err2 := strconv.ParseInt(seqRaw, 10, 64)
	if err1 != nil || err2 != nil {
		return ledger.Cursor{}, fmt.Errorf("after must be <timestamp>:<seq>")
	}
	return ledger.Cursor{Timestamp: ts, Seq: seq}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSubmission), errors.Is(err, decision.ErrMalformedInput),
		errors.Is(err, target.ErrInvalidRiskMode), errors.Is(err, target.ErrEmptyActor):
		return http.StatusBadRequest
	case errors.Is(err, gate.ErrInvalidSender), errors.Is(err, target.ErrNotExecutor), errors.Is(err, target.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, gate.ErrUnknownTarget), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
