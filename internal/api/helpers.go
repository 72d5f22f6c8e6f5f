package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/moogar0880/problems"

	"github.com/rskumar/orderflow/pkg/schema"
)

const problemMediaType = problems.ProblemMediaType

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeProblem writes an RFC 7807 body. The problem type is the lower-cased
// error code, so clients can rebuild the PipelineError.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(strings.ToLower(code)).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemMediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem)
}

// writeError maps err to a problem response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *schema.PipelineError
	if !errors.As(err, &pe) {
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeProblem(w, r, statusOf(pe.Code), pe.Code, pe.Message)
}

func statusOf(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeMalformedInput:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound, schema.ErrCodeNoDataYet, schema.ErrCodeMissingArtifact:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTaskRunnerUnavailable, schema.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Unavailable answers every request with a 503 problem of the given type.
func Unavailable(code, detail string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		writeProblem(w, r, http.StatusServiceUnavailable, code, detail)
	})
}
