package translate

import (
	"strings"
	"testing"

	"github.com/edbinder/binder/internal/store"
)

func TestMissingInfoRequest(t *testing.T) {
	items := []store.MissingInfoItem{
		{Description: "Goals lack baselines.", Category: "goals"},
	}
	req, err := MissingInfoRequest("zh", items)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(req.Messages[0].Content, "Chinese") {
		t.Error("system prompt missing target language")
	}
	if !strings.Contains(req.Messages[1].Content, "Goals lack baselines.") {
		t.Error("payload missing from user message")
	}
}

func TestParseMissingInfoCoercion(t *testing.T) {
	source := []store.MissingInfoItem{
		{Description: "Goals lack baselines.", Category: "goals"},
		{Description: "No consent signature.", Category: "consent"},
	}

	got, err := ParseMissingInfo(`[{"description": "Las metas carecen de niveles iniciales.", "category": "metas"}]`, source)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected source length preserved, got %d", len(got))
	}
	if got[0].Description != "Las metas carecen de niveles iniciales." {
		t.Errorf("translation lost: %q", got[0].Description)
	}
	if got[0].Category != "goals" {
		t.Errorf("category must come from source: %q", got[0].Category)
	}
	if got[1].Description != "No consent signature." {
		t.Errorf("unmatched tail must keep source description: %q", got[1].Description)
	}
}

func TestParseMissingInfoInvalid(t *testing.T) {
	if _, err := ParseMissingInfo("no json here", nil); err == nil {
		t.Error("expected parse error")
	}
}
