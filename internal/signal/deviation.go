package signal

import (
	"errors"
	"math"
	"math/big"

	"github.com/davidahmann/sentinel/pkg/types"
)

const DefaultType = "PRICE_DEVIATION_BPS"

var (
	ErrNegativeValue = errors.New("signal value must be non-negative")
	ErrTypeMismatch  = errors.New("signal type does not match policy")
)

var bpsScale = big.NewInt(10_000)

// DeviationBps returns floor(|current-baseline| * 10000 / |baseline|), or 0
// when baseline is 0. Results above MaxInt64 saturate.
func DeviationBps(current, baseline int64) int64 {
	if baseline == 0 {
		return 0
	}
	diff := new(big.Int).Sub(big.NewInt(current), big.NewInt(baseline))
	diff.Abs(diff)
	diff.Mul(diff, bpsScale)
	diff.Quo(diff, new(big.Int).Abs(big.NewInt(baseline)))
	if !diff.IsInt64() {
		return math.MaxInt64
	}
	return diff.Int64()
}

// PriceFeed is a current/baseline pair read by an external oracle adapter.
type PriceFeed struct {
	Feed     string `json:"feed,omitempty"`
	Current  int64  `json:"current"`
	Baseline int64  `json:"baseline"`
}

// FromPriceFeed derives the signal and the meta fields describing its source.
func FromPriceFeed(pf PriceFeed, signalType string) (types.Signal, map[string]any) {
	if signalType == "" {
		signalType = DefaultType
	}
	meta := map[string]any{
		"signal_mode":    "PRICE_FEED",
		"baseline_price": pf.Baseline,
		"current_price":  pf.Current,
	}
	if pf.Feed != "" {
		meta["feed"] = pf.Feed
	}
	return types.Signal{Type: signalType, Value: DeviationBps(pf.Current, pf.Baseline)}, meta
}

// Validate checks a submitted signal against the expected type.
func Validate(s types.Signal, expectedType string) error {
	if s.Value < 0 {
		return ErrNegativeValue
	}
	if expectedType != "" && s.Type != "" && s.Type != expectedType {
		return ErrTypeMismatch
	}
	return nil
}
