package api

import (
	"errors"
	"testing"
)

func TestSubmissionValidator(t *testing.T) {
	v, err := NewSubmissionValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	sub, err := v.Decode([]byte(`{"signalValue":300,"reason":"manual","meta":{"source":"ops","ratio":1.5}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.SignalValue == nil || *sub.SignalValue != 300 || sub.Reason != "manual" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	sub, err = v.Decode([]byte(`{"priceFeed":{"feed":"eth-usd","current":2790,"baseline":3000}}`))
	if err != nil {
		t.Fatalf("decode price feed: %v", err)
	}
	if sub.PriceFeed == nil || sub.PriceFeed.Baseline != 3000 {
		t.Fatalf("unexpected price feed %+v", sub.PriceFeed)
	}
}

func TestSubmissionValidatorRejects(t *testing.T) {
	v, err := NewSubmissionValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	bodies := map[string]string{
		"not json":        `{invalid`,
		"negative":        `{"signalValue":-1}`,
		"fraction":        `{"signalValue":1.5}`,
		"missing signal":  `{"reason":"x"}`,
		"unknown field":   `{"signalValue":1,"target":"other"}`,
		"bad mode":        `{"signalValue":1,"executionMode":"LIVE"}`,
		"feed incomplete": `{"priceFeed":{"current":1}}`,
	}
	for name, body := range bodies {
		if _, err := v.Decode([]byte(body)); !errors.Is(err, ErrInvalidSubmission) {
			t.Fatalf("%s: expected ErrInvalidSubmission, got %v", name, err)
		}
	}
}

func TestSubmissionValidatorKeepsIntegerPrecision(t *testing.T) {
	v, err := NewSubmissionValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	sub, err := v.Decode([]byte(`{"signalValue":9223372036854775807,"meta":{"run":9007199254740993}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.SignalValue == nil || *sub.SignalValue != 9223372036854775807 {
		t.Fatalf("unexpected signal value %+v", sub.SignalValue)
	}

	if _, err := v.Decode([]byte(`{"signalValue":9007199254740993.5}`)); !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("expected fractional big number rejected, got %v", err)
	}
}
