package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaPostMessage = "post-message.json"
	schemaReaction    = "reaction.json"
	schemaBanner      = "banner.json"
)

var requestSchemas = map[string]string{
	schemaPostMessage: `{
		"type": "object",
		"required": ["chat", "text"],
		"additionalProperties": false,
		"properties": {
			"chat": {"type": "integer", "minimum": 0},
			"text": {"type": "string", "minLength": 1},
			"timestamp": {"type": "integer", "minimum": 0}
		}
	}`,
	schemaReaction: `{
		"type": "object",
		"required": ["emoji"],
		"additionalProperties": false,
		"properties": {
			"emoji": {"type": "string", "minLength": 1, "maxLength": 64}
		}
	}`,
	schemaBanner: `{
		"type": "object",
		"required": ["text"],
		"additionalProperties": false,
		"properties": {
			"text": {"type": "string", "minLength": 1}
		}
	}`,
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := schemaSet{}
	for name := range requestSchemas {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// validate checks body against the named schema. The returned error message
// is safe to show to clients.
func (s schemaSet) validate(name string, body []byte) error {
	sch, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
