package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/davidahmann/sentinel/internal/crypto"
)

var ErrInvalidPolicy = errors.New("invalid policy")

// MaxPolicyIDLen bounds policy_id so decision ids stay usable as file names.
const MaxPolicyIDLen = 64

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML policy, validates it, and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

// Validate enforces 0 <= risk <= pause and a non-negative cooldown.
func (p Policy) Validate() error {
	if p.PolicyID == "" {
		return fmt.Errorf("%w: policy_id is required", ErrInvalidPolicy)
	}
	if len(p.PolicyID) > MaxPolicyIDLen {
		return fmt.Errorf("%w: policy_id longer than %d bytes", ErrInvalidPolicy, MaxPolicyIDLen)
	}
	if p.PolicyVersion != "" {
		if _, err := semver.NewVersion(p.PolicyVersion); err != nil {
			return fmt.Errorf("%w: policy_version %q: %v", ErrInvalidPolicy, p.PolicyVersion, err)
		}
	}
	t := p.Thresholds
	if t.RiskBps < 0 || t.PauseBps < 0 || t.PauseBps < t.RiskBps {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= risk_bps (%d) <= pause_bps (%d)", ErrInvalidPolicy, t.RiskBps, t.PauseBps)
	}
	if p.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds must be >= 0", ErrInvalidPolicy)
	}
	if level := p.RiskLevel(); level < 0 || level > 2 {
		return fmt.Errorf("%w: risk_mode_level must be 0, 1 or 2", ErrInvalidPolicy)
	}
	return nil
}
