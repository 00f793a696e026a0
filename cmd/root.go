package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Independent-Federal-Investigation-Club/plana-core/plana"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = plana.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "plana [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names into *slog.LevelVar
// config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", plana.DefaultDatabase)
	viper.SetDefault("database_type", plana.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		plana.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault("database_log_level", plana.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", plana.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", plana.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", plana.DefaultShutdownTimeout)
	viper.SetDefault("settings_cache_ttl", plana.DefaultSettingsCacheTTL)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", plana.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		plana.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", plana.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", plana.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.typing_while_completing",
		plana.DefaultDiscordTypingWhileCompleting,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", plana.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", plana.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.max_completion_tokens",
		plana.DefaultOpenAIMaxCompletionTokens,
	)
	viper.SetDefault(
		"openai.max_requests_per_second",
		plana.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Engine config
	viper.SetDefault("engine.completion_timeout", plana.DefaultCompletionTimeout)
	viper.SetDefault("engine.completion_attempts", plana.DefaultCompletionAttempts)
	viper.SetDefault("engine.completion_backoff", plana.DefaultCompletionBackoff)
	viper.SetDefault("engine.tool_timeout", plana.DefaultToolTimeout)
	viper.SetDefault("engine.max_tool_rounds", plana.DefaultMaxToolRounds)
	viper.SetDefault("engine.unavailable_message", plana.DefaultUnavailableMessage)
	viper.SetDefault(
		"engine.history_prefill_count",
		plana.DefaultHistoryPrefillCount,
	)
	viper.SetDefault(
		"engine.memory_idle_threshold",
		plana.DefaultMemoryIdleThreshold,
	)
	viper.SetDefault(
		"engine.memory_idle_sweep_interval",
		plana.DefaultMemoryIdleSweepInterval,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", plana.DefaultAPIListen)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", plana.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", plana.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", plana.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", plana.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", plana.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", plana.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", plana.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", plana.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		plana.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(plana.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = plana.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	levelKeys := []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	}
	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
