package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealth_NoPingConfigured(t *testing.T) {
	s := &Server{Logger: testLogger()}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.handleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleHealth_PingFailure(t *testing.T) {
	s := &Server{
		Logger: testLogger(),
		Ping:   func(ctx context.Context) error { return errors.New("store unreachable") },
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.handleHealth(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
