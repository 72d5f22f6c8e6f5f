package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rskumar/orderflow/internal/table"
)

// TableReader reads the current joined table; nil means none is stored.
type TableReader interface {
	Read(ctx context.Context) (*table.Table, error)
}

type envelope struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// FunctionHandler serves the joined table in the {statusCode, body}
// envelope the result resolver expects. The HTTP status is always 200; the
// envelope carries the outcome.
func FunctionHandler(reader TableReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := envelope{StatusCode: http.StatusOK, Body: "[]"}

		t, err := reader.Read(r.Context())
		switch {
		case err != nil:
			logger.ErrorContext(r.Context(), "read joined results", slog.Any("error", err))
			msg, _ := json.Marshal(map[string]string{"error": err.Error()})
			env = envelope{StatusCode: http.StatusInternalServerError, Body: string(msg)}
		case t != nil:
			body, err := json.Marshal(t.Records())
			if err != nil {
				env = envelope{StatusCode: http.StatusInternalServerError, Body: `{"error":"encode rows"}`}
				break
			}
			env.Body = string(body)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(env)
	})
}
