package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

func mustCompileSchema(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validateAgainstSchema checks a raw request body before it is decoded
// into a typed request.
func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
