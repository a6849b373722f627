package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mhemberg/tabula-atlas/internal/markerstore"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRunSubmitHandler_Validation(t *testing.T) {
	rm := newTestManager(t)
	handler := runSubmitHandler(rm)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing ontology term", `{"group_by": "tissue"}`, http.StatusBadRequest},
		{"bad group_by", `{"group_by": "plate", "ontology_term": "B cell"}`, http.StatusBadRequest},
		{"negative min group size", `{"ontology_term": "B cell", "min_group_size": -1}`, http.StatusBadRequest},
		{"valid", `{"ontology_term": "B cell"}`, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(tt.body))
			handler(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body: %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRunSubmitHandler_Defaults(t *testing.T) {
	rm := newTestManager(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"ontology_term": "B cell"}`))
	runSubmitHandler(rm)(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}
	var run markerstore.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == "" || run.Status != markerstore.RunStatusQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Params.GroupBy != "tissue" {
		t.Fatalf("group_by default not applied: %+v", run.Params)
	}
	if run.Params.FDRCutoff != 1.0 || run.Params.MaxCellsPerGroup != 5000 {
		t.Fatalf("numeric defaults not applied: %+v", run.Params)
	}
}
