package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/glimte/mqkit/config"
	"github.com/glimte/mqkit/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "call", "publish", "consume"}, names)
}

func TestSetup(t *testing.T) {
	t.Run("requires a url", func(t *testing.T) {
		_, _, err := (&globals{}).setup()

		var cfgErr *messaging.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("flag overrides file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "mqkit.yaml")
		require.NoError(t, os.WriteFile(file, []byte("mq:\n  url: amqp://file:5672/\n"), 0o600))

		cfg, logger, err := (&globals{configPath: file, url: "amqp://flag:5672/"}).setup()
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Equal(t, "amqp://flag:5672/", cfg.Settings().URL)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := (&globals{configPath: filepath.Join(t.TempDir(), "nope.yaml")}).setup()
		assert.ErrorContains(t, err, "failed to load config")
	})

	t.Run("log level from config", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "mqkit.yaml")
		require.NoError(t, os.WriteFile(file, []byte("mq:\n  url: amqp://file:5672/\nlog:\n  level: warn\n"), 0o600))

		_, logger, err := (&globals{configPath: file}).setup()
		require.NoError(t, err)
		assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	})

	t.Run("verbose wins over config", func(t *testing.T) {
		g := &globals{url: "amqp://flag:5672/", verbose: true}
		_, logger, err := g.setup()
		require.NoError(t, err)
		assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

		level := new(slog.LevelVar)
		g.applyLevel(level, config.Settings{LogLevel: "error"})
		assert.Equal(t, slog.LevelDebug, level.Level())
	})
}
