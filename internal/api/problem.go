package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/cadence/internal/backend"
	"github.com/hyperengineering/cadence/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized:        {"https://cadence.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {"https://cadence.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:            {"https://cadence.dev/errors/not-found", "Not Found"},
	http.StatusInternalServerError: {"https://cadence.dev/errors/internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity: {"https://cadence.dev/errors/validation-error", "Validation Error"},
	http.StatusServiceUnavailable:  {"https://cadence.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusForbidden:           {"https://cadence.dev/errors/forbidden", "Forbidden"},
	http.StatusRequestEntityTooLarge: {
		"https://cadence.dev/errors/payload-too-large", "Payload Too Large",
	},
}

func lookupProblem(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{typeURI: "https://cadence.dev/errors/unknown", title: http.StatusText(status)}
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt := lookupProblem(status)
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors is a 422 problem listing the rejected fields.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapStoreError converts backend errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
	case errors.Is(err, backend.ErrInvalidRecord):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, backend.ErrOwnerMismatch):
		WriteProblem(w, r, http.StatusForbidden, "Record belongs to another owner")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
