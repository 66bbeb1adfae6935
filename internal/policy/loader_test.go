package policy

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/davidahmann/sentinel/internal/crypto"
)

func TestLoadPolicy(t *testing.T) {
	loaded, err := LoadPolicy("../../policies/sentinel.yaml")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	if loaded.Policy.PolicyID != "SENTINELFLOW_POLICY_V0" {
		t.Fatalf("unexpected policy id %q", loaded.Policy.PolicyID)
	}
	if loaded.Policy.Thresholds.RiskBps != 250 || loaded.Policy.Thresholds.PauseBps != 700 {
		t.Fatalf("unexpected thresholds: %+v", loaded.Policy.Thresholds)
	}
	if loaded.Policy.CooldownSeconds != 60 {
		t.Fatalf("unexpected cooldown %d", loaded.Policy.CooldownSeconds)
	}

	data, err := os.ReadFile("../../policies/sentinel.yaml")
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}

	expected := crypto.DigestWithPrefix(data)
	if loaded.Hash != expected {
		t.Fatalf("policy hash mismatch: got %s want %s", loaded.Hash, expected)
	}
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"inverted":      "policy_id: p\nthresholds:\n  risk_bps: 800\n  pause_bps: 700\n",
		"negative":      "policy_id: p\nthresholds:\n  risk_bps: -1\n  pause_bps: 700\n",
		"cooldown":      "policy_id: p\nthresholds:\n  risk_bps: 1\n  pause_bps: 2\ncooldown_seconds: -5\n",
		"missing id":    "thresholds:\n  risk_bps: 1\n  pause_bps: 2\n",
		"bad version":   "policy_id: p\npolicy_version: not-a-version\n",
		"bad riskLevel": "policy_id: p\nrisk_mode_level: 7\n",
		"long id":       "policy_id: " + strings.Repeat("P", MaxPolicyIDLen+1) + "\n",
	}
	for name, raw := range cases {
		_, err := ParsePolicy([]byte(raw))
		if !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("%s: expected ErrInvalidPolicy, got %v", name, err)
		}
	}
}

func TestParsePolicyEqualThresholds(t *testing.T) {
	loaded, err := ParsePolicy([]byte("policy_id: p\npolicy_version: 1.2.3\nthresholds:\n  risk_bps: 500\n  pause_bps: 500\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if loaded.Policy.Thresholds.PauseBps != 500 {
		t.Fatalf("unexpected thresholds %+v", loaded.Policy.Thresholds)
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	if _, err := LoadPolicy("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}
