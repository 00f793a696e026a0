package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Independent-Federal-Investigation-Club/plana-core/plana"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

PLANA_DATABASE=/home/foo/plana.sqlite3
PLANA_DATABASE_TYPE=sqlite
PLANA_DATABASE_LOG_LEVEL=INFO
PLANA_DATABASE_SLOW_THRESHOLD=200ms
PLANA_LOG_LEVEL=INFO
PLANA_STARTUP_TIMEOUT=30s
PLANA_SHUTDOWN_TIMEOUT=60s
PLANA_SETTINGS_CACHE_TTL=10m

# OpenAI config

PLANA_OPENAI_TOKEN=your-openai-token
PLANA_OPENAI_LOG_LEVEL=INFO
PLANA_OPENAI_MODEL=gpt-4o
PLANA_OPENAI_MAX_COMPLETION_TOKENS=1024

# Discord bot config

PLANA_DISCORD_TOKEN=your-discord-bot-token
PLANA_DISCORD_APPLICATION_ID=your-discord-bot-app-id
PLANA_DISCORD_LOG_LEVEL=WARN
PLANA_DISCORD_DISCORDGO_LOG_LEVEL=WARN
PLANA_DISCORD_STARTUP_MESSAGE="I'm here!"
PLANA_DISCORD_TYPING_WHILE_COMPLETING=true

# Engine config

PLANA_ENGINE_COMPLETION_TIMEOUT=90s
PLANA_ENGINE_COMPLETION_ATTEMPTS=4
PLANA_ENGINE_MAX_TOOL_ROUNDS=3
PLANA_ENGINE_HISTORY_PREFILL_COUNT=8
PLANA_ENGINE_MEMORY_IDLE_THRESHOLD=12h

# API server

PLANA_API_ENABLED=true
PLANA_API_LISTEN=127.0.0.1:5000
PLANA_API_TOKEN=your-api-token
PLANA_API_LOG_LEVEL=DEBUG
PLANA_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
PLANA_API_CORS_ALLOW_METHODS=GET POST PATCH DELETE OPTIONS HEAD
PLANA_API_CORS_MAX_AGE=12h
PLANA_API_READ_TIMEOUT=5s
PLANA_API_READ_HEADER_TIMEOUT=5s
PLANA_API_WRITE_TIMEOUT=10s
PLANA_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0o644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/plana.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/plana.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 10*time.Minute, cfg.SettingsCacheTTL)

	assert.Equal(t, "your-openai-token", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 1024, cfg.OpenAI.MaxCompletionTokens)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.True(t, cfg.Discord.TypingWhileCompleting)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())

	assert.Equal(t, 90*time.Second, cfg.Engine.CompletionTimeout)
	assert.Equal(t, 4, cfg.Engine.CompletionAttempts)
	assert.Equal(t, 3, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 8, cfg.Engine.HistoryPrefillCount)
	assert.Equal(t, 12*time.Hour, cfg.Engine.MemoryIdleThreshold)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "your-api-token", cfg.API.Token)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(t, 12*time.Hour, cfg.API.CORS.MaxAge)
}

func TestLevelStringToLevelVar(t *testing.T) {
	for name, level := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		levelVar, err := levelStringToLevelVar(name)
		require.NoError(t, err)
		assert.Equal(t, level, levelVar.Level())
	}

	_, err := levelStringToLevelVar("LOUD")
	assert.Error(t, err)
}

func TestGetLogLevel(t *testing.T) {
	level, err := getLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = getLogLevel("verbose")
	assert.Error(t, err)
}

func TestEnvPrefixOverride(t *testing.T) {
	assert.Equal(t, "PLANA", plana.DefaultEnvPrefix)
	assert.Equal(t, "PLANA_ENV_PREFIX", plana.EnvvarSetEnvPrefix)
}
