package plana

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Duration is a wrapper for time.Duration that implements SQL Scanner and
// Valuer interfaces for GORM, stored as a duration string.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	case int64:
		d.Duration = time.Duration(v)
		return nil
	default:
		return errors.New("invalid type for Duration")
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.Duration.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (Duration) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	d.Duration = parsed
	return nil
}

// StringList is a JSON-serialized column of string IDs.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*s = nil
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			*s = nil
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("invalid type for StringList")
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringList) GormDataType() string {
	return "string"
}

func (s StringList) contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// GuildSettings is the per-guild AI configuration - whether the engine is
// enabled, how the bot engages, how memory is scoped and bounded, and the
// system prompt. Runtime-changeable via the management API without a
// restart.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	ModelUnixTime
	GuildID string `gorm:"primaryKey" json:"guild_id"`

	// Enabled gates the whole conversation engine for this guild
	Enabled bool `json:"enabled"`

	// EngageMode allows the bot to respond without being mentioned
	EngageMode bool `json:"engage_mode"`

	// EngageRate is the probability of proactive engagement per eligible message
	EngageRate float64 `json:"engage_rate" binding:"min=0,max=1"`

	// EngageCooldown is the minimum gap between proactive replies per scope
	EngageCooldown Duration `json:"engage_cooldown"`

	// MemoryGranularity selects the conversation container: guild, category, or channel
	MemoryGranularity Granularity `json:"memory_granularity" binding:"omitempty,oneof=guild category channel"`

	// MemoryMaxTurns caps the stored turns per scope
	MemoryMaxTurns int `json:"memory_max_turns" binding:"min=0"`

	// MemoryMaxSize caps the estimated total size per scope
	MemoryMaxSize int `json:"memory_max_size" binding:"min=0"`

	// SystemPrompt overrides the default personality prompt
	SystemPrompt string `json:"system_prompt" binding:"max=2000"`

	// TargetChannels filters proactive engagement by channel ID
	TargetChannels StringList `json:"target_channels"`

	// TargetChannelsAllowlist selects allowlist (true) or denylist (false)
	// interpretation of TargetChannels
	TargetChannelsAllowlist bool `json:"target_channels_allowlist"`

	// TargetUsers filters proactive engagement by user ID
	TargetUsers StringList `json:"target_users"`

	// TargetUsersAllowlist selects allowlist (true) or denylist (false)
	// interpretation of TargetUsers
	TargetUsersAllowlist bool `json:"target_users_allowlist"`
}

func (g GuildSettings) LogValue() slog.Value {
	return structToSlogValue(g)
}

// ChannelAllowed reports whether proactive engagement is permitted in the
// given channel. An empty filter list allows everything.
func (g GuildSettings) ChannelAllowed(channelID string) bool {
	if len(g.TargetChannels) == 0 {
		return true
	}
	inList := g.TargetChannels.contains(channelID)
	if g.TargetChannelsAllowlist {
		return inList
	}
	return !inList
}

// UserAllowed reports whether proactive engagement is permitted for the
// given user. An empty filter list allows everyone.
func (g GuildSettings) UserAllowed(userID string) bool {
	if len(g.TargetUsers) == 0 {
		return true
	}
	inList := g.TargetUsers.contains(userID)
	if g.TargetUsersAllowlist {
		return inList
	}
	return !inList
}

// Granularity returns the configured memory granularity, falling back to
// the default when unset.
func (g GuildSettings) Granularity() Granularity {
	if g.MemoryGranularity.Valid() {
		return g.MemoryGranularity
	}
	return DefaultMemoryGranularity
}

// Caps returns the memory caps for this guild.
func (g GuildSettings) Caps() MemoryCaps {
	return MemoryCaps{
		MaxTurns: g.MemoryMaxTurns,
		MaxSize:  g.MemoryMaxSize,
	}
}

// Prompt returns the system prompt for this guild.
func (g GuildSettings) Prompt() string {
	if strings.TrimSpace(g.SystemPrompt) != "" {
		return g.SystemPrompt
	}
	return DefaultSystemPrompt
}

// NewGuildSettings returns default settings for a guild.
func NewGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:           guildID,
		Enabled:           true,
		EngageMode:        false,
		EngageRate:        DefaultEngageRate,
		EngageCooldown:    Duration{DefaultEngageCooldown},
		MemoryGranularity: DefaultMemoryGranularity,
		MemoryMaxTurns:    DefaultMemoryMaxTurns,
		MemoryMaxSize:     DefaultMemoryMaxSize,
	}
}

type cachedSettings struct {
	settings GuildSettings
	loadedAt time.Time
}

// SettingsStore loads per-guild settings with a TTL cache. Settings created
// lazily on first use. Cross-instance updates are picked up via bus events;
// the TTL covers missed events.
type SettingsStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedSettings
}

func NewSettingsStore(
	db *gorm.DB,
	writeDB DBI,
	logger *slog.Logger,
	ttl time.Duration,
) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "settings"),
		ttl:     ttl,
		cache:   map[string]cachedSettings{},
	}
}

// Get returns the settings for a guild, creating defaults on first use.
func (s *SettingsStore) Get(ctx context.Context, guildID string) (GuildSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[guildID]; ok {
		if s.ttl <= 0 || time.Since(c.loadedAt) < s.ttl {
			return c.settings, nil
		}
	}

	var settings GuildSettings
	err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Take(&settings).Error
	switch {
	case err == nil:
		//
	case errors.Is(err, gorm.ErrRecordNotFound):
		settings = NewGuildSettings(guildID)
		// another instance may create the same row concurrently
		createErr := s.writeDB.Transaction(
			ctx, func(tx *gorm.DB) error {
				return tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&settings).Error
			},
		)
		if createErr != nil {
			return settings, &StoreUnavailableError{
				Op:  "settings_create",
				Err: createErr,
			}
		}
	default:
		return GuildSettings{}, &StoreUnavailableError{Op: "settings_get", Err: err}
	}

	s.cache[guildID] = cachedSettings{settings: settings, loadedAt: time.Now()}
	return settings, nil
}

// Save persists updated settings and refreshes the cache.
func (s *SettingsStore) Save(ctx context.Context, settings GuildSettings) error {
	if _, err := s.writeDB.Save(ctx, &settings); err != nil {
		return &StoreUnavailableError{Op: "settings_save", Err: err}
	}
	s.mu.Lock()
	s.cache[settings.GuildID] = cachedSettings{
		settings: settings,
		loadedAt: time.Now(),
	}
	s.mu.Unlock()
	return nil
}

// Invalidate drops a guild's cached settings, forcing the next Get to hit
// the database.
func (s *SettingsStore) Invalidate(guildID string) {
	s.mu.Lock()
	delete(s.cache, guildID)
	s.mu.Unlock()
}
