package microservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ...microservice.Option) (*microservice.Server, string) {
	t.Helper()
	server := microservice.NewServer(":0", zerolog.Nop(), opts...)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server, "http://127.0.0.1" + server.Port()
}

func getStatus(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_HealthEndpoints(t *testing.T) {
	var failing atomic.Bool
	_, baseURL := startServer(t, microservice.WithReadiness(func() error {
		if failing.Load() {
			return errors.New("store not initialized")
		}
		return nil
	}))

	t.Run("healthz always answers healthy", func(t *testing.T) {
		status, body := getStatus(t, baseURL+"/healthz")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("readyz follows the readiness check", func(t *testing.T) {
		status, body := getStatus(t, baseURL+"/readyz")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ready", body["status"])

		failing.Store(true)
		status, body = getStatus(t, baseURL+"/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, "store not initialized", body["error"])
	})
}

func TestServer_RoutesAndShutdownHook(t *testing.T) {
	// Arrange
	server := microservice.NewServer(":0", zerolog.Nop(), microservice.WithIdleTimeout(time.Second))
	server.Mux().HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	hookCalled := make(chan struct{})
	server.OnShutdown(func() { close(hookCalled) })
	assert.Equal(t, ":0", server.Port(), "before Start the configured address is reported")

	// Act
	require.NoError(t, server.Start())
	resp, err := http.Get("http://127.0.0.1" + server.Port() + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	// Assert
	assert.NotEqual(t, ":0", server.Port())
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook was not called")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	first, _ := startServer(t)

	second := microservice.NewServer(first.Port(), zerolog.Nop())
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
