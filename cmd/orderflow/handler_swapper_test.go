package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rskumar/orderflow/internal/api"
)

func TestHandlerSwapper_SwapsToDraining(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	swapper := newHandlerSwapper(ok)

	rec := httptest.NewRecorder()
	swapper.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	swapper.Swap(api.Unavailable("draining", "server is shutting down"))

	rec = httptest.NewRecorder()
	swapper.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/executions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"type":"draining"`)
}
