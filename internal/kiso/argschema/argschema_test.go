package argschema

import "testing"

func TestValidateEnforcesRequiredAndTypes(t *testing.T) {
	fields := map[string]any{
		"city":  map[string]any{"type": "string", "required": true},
		"units": map[string]any{"type": "string", "required": false},
	}

	cases := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"city":"Lisbon","units":"metric"}`, false},
		{"missing required", `{"units":"metric"}`, true},
		{"wrong type", `{"city":42}`, true},
		{"optional field omitted", `{"city":"Lisbon"}`, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(fields, []byte(c.args))
			if c.wantErr && err == nil {
				t.Fatalf("expected an error for args %s", c.args)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error for args %s: %v", c.args, err)
			}
		})
	}
}

func TestValidateEmptySchemaAlwaysPasses(t *testing.T) {
	if err := Validate(nil, []byte(`{"anything":"goes"}`)); err != nil {
		t.Fatalf("expected nil schema to pass, got %v", err)
	}
	if err := Validate(map[string]any{}, []byte(`not even json`)); err != nil {
		t.Fatalf("expected empty schema to skip validation entirely, got %v", err)
	}
}

func TestValidateDefaultsEmptyArgsToObject(t *testing.T) {
	fields := map[string]any{"city": map[string]any{"type": "string", "required": false}}
	if err := Validate(fields, nil); err != nil {
		t.Fatalf("expected empty args to validate as {}, got %v", err)
	}
}

func TestToJSONSchemaShape(t *testing.T) {
	fields := map[string]any{
		"city":  map[string]any{"type": "string", "required": true, "description": "city name"},
		"count": map[string]any{"type": "int", "default": 1},
	}
	schema := ToJSONSchema(fields)

	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %+v", schema)
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "city" {
		t.Fatalf("expected only city to be required, got %+v", required)
	}
	props, _ := schema["properties"].(map[string]any)
	countProp, _ := props["count"].(map[string]any)
	if countProp["type"] != "integer" {
		t.Fatalf("expected manifest type %q to map to JSON Schema %q, got %+v", "int", "integer", countProp)
	}
}
