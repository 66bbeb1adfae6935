package decision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/davidahmann/sentinel/internal/crypto"
	"github.com/davidahmann/sentinel/pkg/types"
)

const (
	IDPrefix     = "sf"
	DigestLength = 16
	fieldSep     = "|"
)

var ErrMalformedInput = errors.New("decision id input contains delimiter")

// Inputs are the five fields a decision id is derived from, in order.
type Inputs struct {
	Target    string
	PolicyID  string
	Value     int64
	Action    types.Action
	Timestamp int64
}

// CanonicalString joins the inputs with "|" in fixed order.
func CanonicalString(in Inputs) string {
	return strings.Join([]string{
		in.Target,
		in.PolicyID,
		strconv.FormatInt(in.Value, 10),
		string(in.Action),
		strconv.FormatInt(in.Timestamp, 10),
	}, fieldSep)
}

// FullDigest is the untruncated "sha256:" digest of the canonical string.
func FullDigest(in Inputs) string {
	return crypto.DigestWithPrefix([]byte(CanonicalString(in)))
}

// GenerateID renders sf-<policyId>-<timestamp>-<digest16>.
func GenerateID(in Inputs) (string, error) {
	if strings.Contains(in.Target, fieldSep) || strings.Contains(in.PolicyID, fieldSep) {
		return "", ErrMalformedInput
	}
	digest := crypto.DigestHex([]byte(CanonicalString(in)))
	return fmt.Sprintf("%s-%s-%d-%s", IDPrefix, in.PolicyID, in.Timestamp, digest[:DigestLength]), nil
}

// VerifyID recomputes the id from inputs and reports whether it matches.
func VerifyID(id string, in Inputs) bool {
	want, err := GenerateID(in)
	if err != nil {
		return false
	}
	return want == id
}

// InputsOf extracts the id inputs recorded in a journal entry.
func InputsOf(entry types.JournalEntry) Inputs {
	return Inputs{
		Target:    entry.Target,
		PolicyID:  entry.PolicyID,
		Value:     entry.Signal.Value,
		Action:    entry.ActionComputed,
		Timestamp: entry.Timestamp,
	}
}
