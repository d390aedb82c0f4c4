// Package envelope checks structured-mode assistant replies.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"monadic-chat/internal/domain"
)

var _ domain.EnvelopeValidator = (*Validator)(nil)

// Schema is the shape of a structured-mode reply.
const Schema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"context": {}
	},
	"required": ["message"]
}`

// Validator checks replies against Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles Schema.
func New() (*Validator, error) {
	compiled, err := jsonschema.NewCompiler().Compile([]byte(Schema))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate parses text as an envelope. Models often wrap JSON in a markdown
// fence; the fence is removed before parsing.
func (v *Validator) Validate(text string) (*domain.Envelope, error) {
	body := stripCodeFences(text)

	var data any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return nil, fmt.Errorf("%w: reply is not JSON: %v", domain.ErrInvalidInput, err)
	}
	result := v.schema.Validate(data)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, result.Error())
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if string(env.Context) == "null" {
		env.Context = nil
	}
	return &env, nil
}

var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}
