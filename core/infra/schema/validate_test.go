package schema

import (
	"encoding/json"
	"testing"
)

var optionsSchema = []byte(`{
	"type": "object",
	"required": ["duration"],
	"properties": {
		"duration": {"type": "string"},
		"vus": {"type": "integer", "minimum": 1}
	}
}`)

func TestValidateAccepts(t *testing.T) {
	payload := json.RawMessage(`{"duration": "5m", "vus": 10}`)
	if err := Validate("load-options", optionsSchema, payload); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	payload := json.RawMessage(`{"vus": 0}`)
	if err := Validate("load-options", optionsSchema, payload); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestValidateEmptySchema(t *testing.T) {
	if err := Validate("x", nil, map[string]any{}); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}
