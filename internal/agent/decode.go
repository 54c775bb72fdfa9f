package agent

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/schemas"
)

var validate = validator.New()

// Decode turns raw agent output into out. The text is unwrapped from code
// fences, stripped of control characters, checked against the named embedded
// schema, unmarshaled, and finally checked with struct validation tags.
// Every failure is a *MalformedOutputError.
func Decode(stage, schema, raw string, out any) error {
	text := llm.StripControlChars(llm.CleanJSONBlock(raw))
	if strings.TrimSpace(text) == "" {
		return Malformed(stage, "empty response")
	}

	if schema != "" {
		if err := schemas.Validate(schema, []byte(text)); err != nil {
			return &MalformedOutputError{Stage: stage, Message: "schema violation", Cause: err}
		}
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &MalformedOutputError{Stage: stage, Message: "invalid JSON", Cause: err}
	}

	if err := validate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return &MalformedOutputError{Stage: stage, Message: "validation failed", Cause: err}
	}
	return nil
}

// ValidateStruct runs struct validation tags on v
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
