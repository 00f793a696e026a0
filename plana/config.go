//nolint:lll // struct tags can't be split
package plana

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "PLANA_ENV_PREFIX"
	DefaultEnvPrefix   = "PLANA"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "plana.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultOpenAIModel                 = "gpt-4o-mini"
	DefaultOpenAIMaxCompletionTokens   = 2048
	DefaultOpenAIMaxRequestsPerSecond  = 1
	DefaultCompletionTimeout           = 2 * time.Minute
	DefaultCompletionAttempts          = 3
	DefaultCompletionBackoff           = 2 * time.Second
	DefaultToolTimeout                 = 15 * time.Second
	DefaultMaxToolRounds               = 5
	DefaultMemoryGranularity           = GranularityGuild
	DefaultMemoryMaxTurns              = 50
	DefaultMemoryMaxSize               = 8192
	DefaultMemoryIdleThreshold         = 24 * time.Hour
	DefaultMemoryIdleSweepInterval     = time.Hour
	DefaultEngageRate                  = 0.01
	DefaultEngageCooldown              = 5 * time.Minute
	DefaultHistoryPrefillCount         = 16
	DefaultSystemPrompt                = "You are Plana, a helpful assistant on a Discord server. Keep replies short and conversational."
	DefaultUnavailableMessage          = "Plana is not available at this moment..."
	DefaultDiscordGatewayIntent        = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordStartupMessage       = "I'm here!"
	DefaultDiscordTypingWhileCompleting = true
	discordMaxMessageLength            = 2000

	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = false

	DefaultSettingsCacheTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour

	defaultLogWriter io.Writer = os.Stdout
)

// Config is the bot's static configuration - everything that requires a
// restart to change. Per-guild behavior lives in [GuildSettings].
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// OpenAI configures the model backend
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Engine configures the conversation engine
	Engine *EngineConfig `yaml:"engine" mapstructure:"engine" json:"engine"`

	// API configures the management API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// SettingsCacheTTL sets the time-to-live for cached [GuildSettings].
	// Settings are refreshed on bus events; the TTL covers missed events
	// when running multiple instances.
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl" mapstructure:"settings_cache_ttl" json:"settings_cache_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, the bot sends this message to NotificationChannelID whenever
	// it connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Channel to send the startup message to
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. Message content requires the privileged
	// intent to be enabled in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Send the typing indicator while a completion is in flight
	TypingWhileCompleting bool `yaml:"typing_while_completing" mapstructure:"typing_while_completing" json:"typing_while_completing"`

	httpClient *http.Client
}

// OpenAIConfig configures the model backend.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible backends
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model is the chat completion model name
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// MaxCompletionTokens caps the tokens generated per completion
	MaxCompletionTokens int `yaml:"max_completion_tokens" mapstructure:"max_completion_tokens" json:"max_completion_tokens"`

	// MaxRequestsPerSecond limits outbound completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// EngineConfig configures the conversation engine - timeouts, retry
// behavior, the tool round cap, and defaults applied when a guild has no
// stored settings.
type EngineConfig struct {
	// CompletionTimeout bounds each backend completion call
	CompletionTimeout time.Duration `yaml:"completion_timeout" mapstructure:"completion_timeout" json:"completion_timeout" binding:"min=1s"`

	// CompletionAttempts is the number of tries for a failed completion call
	CompletionAttempts int `yaml:"completion_attempts" mapstructure:"completion_attempts" json:"completion_attempts" binding:"min=1"`

	// CompletionBackoff is the initial backoff between completion retries.
	// It doubles on each subsequent attempt.
	CompletionBackoff time.Duration `yaml:"completion_backoff" mapstructure:"completion_backoff" json:"completion_backoff"`

	// ToolTimeout bounds each tool invocation
	ToolTimeout time.Duration `yaml:"tool_timeout" mapstructure:"tool_timeout" json:"tool_timeout" binding:"min=1s"`

	// MaxToolRounds is the hard cap on model/tool round trips per message
	MaxToolRounds int `yaml:"max_tool_rounds" mapstructure:"max_tool_rounds" json:"max_tool_rounds" binding:"min=1"`

	// UnavailableMessage is sent when the backend stays unreachable
	// after retries
	UnavailableMessage string `yaml:"unavailable_message" mapstructure:"unavailable_message" json:"unavailable_message"`

	// HistoryPrefillCount is how many recent channel messages are included
	// as context ahead of the user's request
	HistoryPrefillCount int `yaml:"history_prefill_count" mapstructure:"history_prefill_count" json:"history_prefill_count"`

	// MemoryIdleThreshold is the inactivity age after which a scope's
	// memory and engage state are swept
	MemoryIdleThreshold time.Duration `yaml:"memory_idle_threshold" mapstructure:"memory_idle_threshold" json:"memory_idle_threshold"`

	// MemoryIdleSweepInterval is how often the idle sweep runs
	MemoryIdleSweepInterval time.Duration `yaml:"memory_idle_sweep_interval" mapstructure:"memory_idle_sweep_interval" json:"memory_idle_sweep_interval"`
}

// APIConfig configures the management API server.
type APIConfig struct {
	// Enabled determines whether the management API is served at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Token clients must present as a bearer token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		SettingsCacheTTL:      DefaultSettingsCacheTTL,
		Discord: &DiscordConfig{
			GatewayIntents:        DefaultDiscordGatewayIntent,
			LogLevel:              discordLogLevel,
			DiscordGoLogLevel:     discordgoLogLevel,
			StartupMessage:        DefaultDiscordStartupMessage,
			TypingWhileCompleting: DefaultDiscordTypingWhileCompleting,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			MaxCompletionTokens:  DefaultOpenAIMaxCompletionTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Engine: &EngineConfig{
			CompletionTimeout:       DefaultCompletionTimeout,
			CompletionAttempts:      DefaultCompletionAttempts,
			CompletionBackoff:       DefaultCompletionBackoff,
			ToolTimeout:             DefaultToolTimeout,
			MaxToolRounds:           DefaultMaxToolRounds,
			UnavailableMessage:      DefaultUnavailableMessage,
			HistoryPrefillCount:     DefaultHistoryPrefillCount,
			MemoryIdleThreshold:     DefaultMemoryIdleThreshold,
			MemoryIdleSweepInterval: DefaultMemoryIdleSweepInterval,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
