//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/davidahmann/sentinel/internal/api"
	"github.com/davidahmann/sentinel/internal/auth"
	"github.com/davidahmann/sentinel/internal/gate"
	"github.com/davidahmann/sentinel/internal/incident"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/ledger/sqlstore"
	"github.com/davidahmann/sentinel/internal/lock"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/internal/target"
	"github.com/davidahmann/sentinel/pkg/types"
)

const (
	targetID  = "0xPool"
	submitter = "sentinel-workflow"
	token     = "test-token"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	loaded, err := policy.LoadPolicy("../../policies/sentinel.yaml")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	dir := t.TempDir()
	store, err := sqlstore.OpenSQLite(filepath.Join(dir, "sentinel.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	g := &gate.Gate{Store: store, Locker: lock.NewKeyedMutex(), Submitter: submitter, Identity: "sentinel-gate"}
	if _, err := g.EnsureTarget(context.Background(), targetID, "ops", target.ModeNormal); err != nil {
		t.Fatalf("ensure target: %v", err)
	}

	svc, err := api.NewEvaluateService(api.NewEvaluateServiceInput{
		Policy:   loaded,
		Gate:     g,
		Store:    store,
		Sink:     incident.FileSink{Dir: filepath.Join(dir, "incidents")},
		Mode:     types.ModeExecute,
		TargetID: targetID,
	})
	if err != nil {
		t.Fatalf("evaluate service: %v", err)
	}
	validator, err := api.NewSubmissionValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	router := api.NewRouter(&api.Handler{
		Auth:      &auth.MultiAuthenticator{DevToken: token, DevSubject: submitter},
		Service:   svc,
		Validator: validator,
	}, api.RouterOptions{})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestE2EEvaluateCooldownVerifyExport(t *testing.T) {
	srv := newServer(t)

	first := submit(t, srv.URL, `{"signalValue":800,"reason":"oracle drift"}`, "key-1")
	if !first.Accepted || first.Entry.ActionExecuted != types.OutcomePause {
		t.Fatalf("expected accepted PAUSE, got %+v", first)
	}

	replay := submit(t, srv.URL, `{"signalValue":800,"reason":"oracle drift"}`, "key-1")
	if !replay.Replayed || replay.Entry.DecisionID != first.Entry.DecisionID {
		t.Fatalf("expected idempotent replay, got %+v", replay)
	}

	blocked := submit(t, srv.URL, `{"signalValue":300}`, "")
	if blocked.Accepted || blocked.Entry.ActionExecuted != types.OutcomeCooldownBlocked {
		t.Fatalf("expected COOLDOWN_BLOCKED, got %+v", blocked)
	}

	var page api.JournalPage
	get(t, srv.URL+"/v1/journal?target="+targetID, &page)
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(page.Entries))
	}

	var verified api.VerifyResult
	get(t, srv.URL+"/v1/verify?entry_id="+first.Entry.EntryID, &verified)
	if !verified.Valid {
		t.Fatalf("expected valid decision id, got %+v", verified)
	}

	var bundle types.IncidentBundle
	get(t, srv.URL+"/v1/incidents/"+first.Entry.EntryID, &bundle)
	ok, err := incident.Verify(bundle)
	if err != nil || !ok {
		t.Fatalf("expected valid bundle digest: %v", err)
	}
	if bundle.Target == nil || !bundle.Target.Paused {
		t.Fatalf("expected paused target snapshot, got %+v", bundle.Target)
	}
}

func submit(t *testing.T, baseURL, body, idemKey string) api.EvaluateResult {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/decisions", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status: %d", res.StatusCode)
	}

	var payload api.EvaluateResult
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return payload
}

func get(t *testing.T, url string, out any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("get %s status: %d", url, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
