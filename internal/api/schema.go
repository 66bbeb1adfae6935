package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const submissionSchemaURL = "https://sentinel.schemas.local/decision-submission.schema.json"

const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "signalValue": {"type": "integer", "minimum": 0},
    "signalType": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Z0-9_]+$"},
    "priceFeed": {
      "type": "object",
      "additionalProperties": false,
      "required": ["current", "baseline"],
      "properties": {
        "feed": {"type": "string", "maxLength": 128},
        "current": {"type": "integer", "minimum": 0},
        "baseline": {"type": "integer", "minimum": 0}
      }
    },
    "reason": {"type": "string", "maxLength": 512},
    "meta": {"type": "object"},
    "executionMode": {"type": "string", "enum": ["EXECUTE", "SHADOW", "DRY_RUN"]}
  },
  "anyOf": [
    {"required": ["signalValue"]},
    {"required": ["priceFeed"]}
  ]
}`

// SubmissionValidator checks raw POST /v1/decisions bodies before decoding.
type SubmissionValidator struct {
	schema *jsonschema.Schema
}

func NewSubmissionValidator() (*SubmissionValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(submissionSchemaURL, strings.NewReader(submissionSchema)); err != nil {
		return nil, fmt.Errorf("submission schema load failed: %w", err)
	}
	compiled, err := c.Compile(submissionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("submission schema compile failed: %w", err)
	}
	return &SubmissionValidator{schema: compiled}, nil
}

// Decode validates raw against the schema and decodes it.
func (v *SubmissionValidator) Decode(raw []byte) (Submission, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Submission{}, fmt.Errorf("%w: invalid json", ErrInvalidSubmission)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return sub, nil
}
