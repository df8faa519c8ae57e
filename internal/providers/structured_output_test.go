package providers

import (
	"encoding/json"
	"testing"
)

func TestParseStructuredJSONPlain(t *testing.T) {
	got, err := ParseStructuredJSON(`{"name":"test"}`, nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if string(got) != `{"name":"test"}` {
		t.Errorf("unexpected result %q", got)
	}
}

func TestParseStructuredJSONCodeFence(t *testing.T) {
	input := "```json\n{\"name\":\"test\"}\n```"
	got, err := ParseStructuredJSON(input, nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if string(got) != `{"name":"test"}` {
		t.Errorf("unexpected result %q", got)
	}
}

func TestParseStructuredJSONEmbeddedInProse(t *testing.T) {
	input := `Here is the result you asked for: {"pages": [1, 2]} hope that helps`
	got, err := ParseStructuredJSON(input, nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if string(got) != `{"pages": [1, 2]}` {
		t.Errorf("unexpected result %q", got)
	}
}

func TestParseStructuredJSONBracesInStrings(t *testing.T) {
	input := `prefix {"note":"a { tricky } value"} suffix`
	got, err := ParseStructuredJSON(input, nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal(got, &v); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if v["note"] != "a { tricky } value" {
		t.Errorf("unexpected value %q", v["note"])
	}
}

func TestParseStructuredJSONNoJSON(t *testing.T) {
	if _, err := ParseStructuredJSON("no json here at all", nil); err == nil {
		t.Error("expected error for prose without JSON")
	}
	if _, err := ParseStructuredJSON("", nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestParseStructuredJSONSchemaValidation(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)

	if _, err := ParseStructuredJSON(`{"name":"ok"}`, schema); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if _, err := ParseStructuredJSON(`{"other":1}`, schema); err == nil {
		t.Error("expected validation failure for missing required field")
	}
	if _, err := ParseStructuredJSON(`{"name":42}`, schema); err == nil {
		t.Error("expected validation failure for wrong type")
	}
}

func TestStripCodeFencesPassthrough(t *testing.T) {
	if got := StripCodeFences("plain text"); got != "plain text" {
		t.Errorf("unexpected change to unfenced input: %q", got)
	}
}
