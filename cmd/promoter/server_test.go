package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_ServesHealth(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Database.DSN = ":memory:"
	cfg.Server.ShutdownTimeout = time.Second

	server, err := NewServer(cfg, SetupLogger(cfg, testWriter{t}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.store.Close()
	})

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServer_DatabaseError(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Database.DSN = "/nonexistent/dir/promoter.db"

	_, err := NewServer(cfg, SetupLogger(cfg, testWriter{t}))
	var sErr *ServerError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, ExitDatabaseError, sErr.ExitCode)
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Database.DSN = ":memory:"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second

	server, err := NewServer(cfg, SetupLogger(cfg, testWriter{t}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerError(t *testing.T) {
	inner := errors.New("boom")
	err := &ServerError{Op: "Start", Err: inner, ExitCode: ExitHTTPServerError}
	assert.Equal(t, "Start: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}

// testWriter sends log output to the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
