package draftsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://outreachdesk.local/schemas/"

// SchemaValidator checks drafts against a JSON Schema before they are written.
type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
}

func NewSchemaValidator(name, schemaJSON string) (*SchemaValidator, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := schemaBaseURL + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &SchemaValidator{name: name, schema: schema}, nil
}

func MustSchemaValidator(name, schemaJSON string) *SchemaValidator {
	v, err := NewSchemaValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *SchemaValidator) Validate(key string, draft Fields) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDraft, key, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDraft, key, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDraft, key, err)
	}
	return nil
}
