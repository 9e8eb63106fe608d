package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response. Code carries
// the structured error code the sync client classifies on.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {"https://possync.dev/errors/bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"https://possync.dev/errors/unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"https://possync.dev/errors/not-found", "Not Found"},
	http.StatusConflict:            {"https://possync.dev/errors/conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"https://possync.dev/errors/validation-error", "Validation Error"},
	http.StatusInternalServerError: {"https://possync.dev/errors/internal-error", "Internal Server Error"},
	http.StatusBadGateway:          {"https://possync.dev/errors/upstream-error", "Bad Gateway"},
	http.StatusServiceUnavailable:  {"https://possync.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusInsufficientStorage: {"https://possync.dev/errors/storage-quota", "Insufficient Storage"},
}

func newProblem(r *http.Request, status int, detail, code string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{typeURI: "https://possync.dev/errors/unknown", title: http.StatusText(status)}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail, ""))
}

// WriteProblemCode writes a problem response carrying a structured code.
func WriteProblemCode(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail, code))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail, backend.CodeValidation),
		Errors:  errs,
	}
	writeProblemBody(w, http.StatusUnprocessableEntity, p)
}

// StatusForKind maps a fault kind to the HTTP status the API answers with.
func StatusForKind(k fault.Kind) int {
	switch k {
	case fault.KindValidation:
		return http.StatusUnprocessableEntity
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindStorageQuota:
		return http.StatusInsufficientStorage
	case fault.KindUnavailable, fault.KindBackgroundCrash:
		return http.StatusServiceUnavailable
	case fault.KindTransientNetwork, fault.KindTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MapError converts a classified error to a Problem Details response.
// Internal errors never expose their text.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := StatusForKind(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		WriteProblemCode(w, r, status, string(kind), "Internal Server Error")
		return
	}
	WriteProblemCode(w, r, status, string(kind), err.Error())
}
