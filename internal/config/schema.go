package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "https://keybridge.local/schema/config-v1.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the compiled JSON Schema for configuration files.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the raw schema document.
func SchemaJSON() []byte {
	return append([]byte(nil), schemaJSON...)
}

func validateJSONSchema(data []byte) error {
	schema, err := Schema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
