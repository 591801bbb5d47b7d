package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/cadence/internal/backend"
	"github.com/hyperengineering/cadence/internal/validation"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemWithErrors {
	t.Helper()
	var p ProblemWithErrors
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestWriteProblem_Fields(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tables/habits/records/h1", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusNotFound, "Record not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Type != "https://cadence.dev/errors/not-found" || p.Title != "Not Found" {
		t.Errorf("problem type/title = %q/%q", p.Type, p.Title)
	}
	if p.Status != 404 || p.Detail != "Record not found" || p.Instance != "/api/v1/tables/habits/records/h1" {
		t.Errorf("problem = %+v", p.Problem)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusTeapot, "short and stout")

	p := decodeProblem(t, w)
	if p.Type != "https://cadence.dev/errors/unknown" || p.Title != "I'm a teapot" {
		t.Errorf("problem = %+v", p.Problem)
	}
}

func TestWriteProblemWithErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/tables/habits/records/x", nil)
	w := httptest.NewRecorder()

	WriteProblemWithErrors(w, req, "Request contains invalid fields", []validation.ValidationError{
		{Field: "id", Message: "is required"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	p := decodeProblem(t, w)
	if len(p.Errors) != 1 || p.Errors[0].Field != "id" {
		t.Errorf("errors = %+v", p.Errors)
	}
}

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{backend.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", backend.ErrInvalidRecord), http.StatusUnprocessableEntity},
		{fmt.Errorf("habits h1: %w", backend.ErrOwnerMismatch), http.StatusForbidden},
		{errors.New("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		MapStoreError(w, req, tt.err)
		if w.Code != tt.want {
			t.Errorf("MapStoreError(%v) status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	MapStoreError(w, req, errors.New("disk I/O error"))
	if p := decodeProblem(t, w); p.Detail == "disk I/O error" {
		t.Error("internal error detail exposed to client")
	}
}
