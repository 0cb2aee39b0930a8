package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/illmade-knight/go-contextstore/pkg/config"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \":7000\"\nlog_level: warn\n"), 0o644))
	dataDir := t.TempDir()

	f := &flags{}
	var got *config.Config
	app := newApp(f, func(_ context.Context, c *cli.Command) error {
		var err error
		got, err = loadConfig(f, c)
		return err
	})

	err := app.Run(context.Background(), []string{
		"contextd", "--config", path, "--http-port", ":9999", "--data-dir", dataDir, "--persist",
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, ":9999", got.HTTPPort)
	assert.Equal(t, "warn", got.LogLevel, "file values survive when the flag is unset")
	assert.Equal(t, dataDir, got.Context.StoragePath)
	assert.True(t, got.Context.EnablePersistence)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	f := &flags{}
	app := newApp(f, func(_ context.Context, c *cli.Command) error {
		_, err := loadConfig(f, c)
		return err
	})

	err := app.Run(context.Background(), []string{
		"contextd", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--log-format", "xml",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")
}

func TestSetupLogger(t *testing.T) {
	original := log.Logger
	t.Cleanup(func() { log.Logger = original })

	t.Run("json output at the requested level", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, setupLogger("warn", "json", &buf))

		log.Info().Msg("hidden")
		log.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"message":"shown"`)
	})

	t.Run("rejects an unknown level", func(t *testing.T) {
		err := setupLogger("loud", "console", &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse log level")
	})
}

func TestRun_StartsAndStopsLocalOnly(t *testing.T) {
	// Arrange
	cfg := config.DefaultConfig()
	cfg.HTTPPort = ":0"
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Context.StoragePath = t.TempDir()
	cfg.Context.EnablePersistence = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Act
	go func() { done <- run(ctx, &cfg, zerolog.Nop()) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	// Assert
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.FileExists(t, filepath.Join(cfg.Context.StoragePath, cfg.Context.SnapshotFile))
}

func TestRun_InitializeFailureClosesRedis(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	cfg := config.DefaultConfig()
	cfg.HTTPPort = ":0"
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Context.EnablePersistence = true
	cfg.Context.StoragePath = filepath.Join(notADir, "data")

	// Act
	err := run(context.Background(), &cfg, zerolog.Nop())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize context manager")
	assert.Eventually(t, func() bool {
		return mr.CurrentConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "the redis client must be closed")
}
