// Package argschema turns a skill manifest's per-field "args" declaration
// (spec.md's "Skill manifest": name, type, required, default, description
// per field) into a draft-2020-12 JSON Schema document and validates task
// args against it with github.com/santhosh-tekuri/jsonschema/v5.
package argschema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestTypes maps a manifest field's declared type to its JSON Schema
// equivalent. Unknown types are passed through unchanged so the compiler
// surfaces the bad declaration rather than silently accepting anything.
var manifestTypes = map[string]string{
	"string": "string",
	"int":    "integer",
	"number": "number",
	"bool":   "boolean",
	"object": "object",
	"array":  "array",
}

// ToJSONSchema converts a manifest's flat args declaration, e.g.
//
//	{"city": {"type": "string", "required": true}}
//
// into the equivalent object schema:
//
//	{"type":"object","required":["city"],"properties":{"city":{"type":"string"}}}
func ToJSONSchema(fields map[string]any) map[string]any {
	properties := make(map[string]any, len(fields))
	var required []any

	for name, decl := range fields {
		field, _ := decl.(map[string]any)
		prop := map[string]any{}

		if t, ok := field["type"].(string); ok {
			if mapped, known := manifestTypes[t]; known {
				prop["type"] = mapped
			} else {
				prop["type"] = t
			}
		}
		if desc, ok := field["description"].(string); ok && desc != "" {
			prop["description"] = desc
		}
		if def, ok := field["default"]; ok {
			prop["default"] = def
		}
		properties[name] = prop

		if req, ok := field["required"].(bool); ok && req {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Validate compiles fields (a manifest-shaped args declaration) into a JSON
// Schema and validates args against it, enforcing both declared types and
// required keys. A nil or empty fields map always validates.
func Validate(fields map[string]any, args []byte) error {
	if len(fields) == 0 {
		return nil
	}

	schema := ToJSONSchema(fields)
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode args schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("args-schema.json", bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("add args schema resource: %w", err)
	}
	compiled, err := compiler.Compile("args-schema.json")
	if err != nil {
		return fmt.Errorf("compile args schema: %w", err)
	}

	if len(args) == 0 {
		args = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("args is not valid JSON: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return err
	}
	return nil
}
