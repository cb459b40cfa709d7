package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	// UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tman.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("tman.schema.json")
})

// validateSchema checks a JSON document against the embedded config schema.
func validateSchema(doc []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("unmarshal config document: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
