package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDetectEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request: %v", err)
		}
		if req.LanguageCode != "en" {
			t.Errorf("expected default language en, got %q", req.LanguageCode)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Entities": []map[string]any{
				{"Type": "NAME", "Score": 0.99, "BeginOffset": 0, "EndOffset": 4},
				{"Type": "DATE_TIME", "Score": 0.95, "BeginOffset": 13, "EndOffset": 23},
			},
		})
	}))
	defer srv.Close()

	client := NewDetectorClient(DetectorConfig{
		Endpoint:          srv.URL,
		RequestsPerSecond: 1000,
	})

	entities, err := client.DetectEntities(context.Background(), "Jane born on 2015-04-02", "")
	if err != nil {
		t.Fatalf("DetectEntities failed: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].Type != "NAME" || entities[0].EndOffset != 4 {
		t.Errorf("unexpected first entity: %+v", entities[0])
	}
}

func TestDetectEntitiesEmptyText(t *testing.T) {
	client := NewDetectorClient(DetectorConfig{Endpoint: "http://unused"})
	entities, err := client.DetectEntities(context.Background(), "", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entities != nil {
		t.Errorf("expected no entities, got %+v", entities)
	}
}
