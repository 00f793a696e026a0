package plana

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Turn roles, matching the chat completion message roles fed to the model.
const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
	TurnRoleTool      = "tool"
)

// turnSizeOverhead is the fixed per-turn cost added to the content length
// when estimating memory size, covering role/author framing.
const turnSizeOverhead = 8

// ToolCallRecord is one tool invocation recorded on a Turn: what the model
// asked for, and what came back.
type ToolCallRecord struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	Failed    bool   `json:"failed,omitempty"`
}

// ToolCallRecords is a JSON-serialized column of tool call records.
type ToolCallRecords []ToolCallRecord

// Scan implements the sql.Scanner interface.
func (t *ToolCallRecords) Scan(value any) error {
	if value == nil {
		*t = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*t = nil
			return nil
		}
		return json.Unmarshal(v, t)
	case string:
		if v == "" {
			*t = nil
			return nil
		}
		return json.Unmarshal([]byte(v), t)
	default:
		return errors.New("invalid type for ToolCallRecords")
	}
}

// Value implements the driver.Valuer interface.
func (t ToolCallRecords) Value() (driver.Value, error) {
	if len(t) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (ToolCallRecords) GormDataType() string {
	return "string"
}

// Turn is one exchange unit in a conversation: a user message, an assistant
// reply, or a tool result. Immutable after creation.
type Turn struct {
	ModelUnixTime
	ID       uint   `gorm:"primaryKey" json:"id"`
	ScopeKey string `gorm:"index:idx_turn_scope;not null" json:"scope_key"`

	// Role is one of user/assistant/tool
	Role string `gorm:"not null" json:"role"`

	// AuthorID is the platform user ID for user turns; empty for
	// assistant and tool turns
	AuthorID string `json:"author_id,omitempty"`

	Content string `json:"content"`

	// ToolCalls records tool invocations attached to this turn
	ToolCalls ToolCallRecords `json:"tool_calls,omitempty"`
}

// EstimatedSize approximates this turn's contribution to a scope's memory
// budget. Matches the rough chars*1.2 token heuristic used for trimming.
func (t Turn) EstimatedSize() int {
	size := (len(t.Content)*6)/5 + turnSizeOverhead
	for _, tc := range t.ToolCalls {
		size += (len(tc.Arguments) + len(tc.Result)) * 6 / 5
	}
	return size
}

func (t Turn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("scope_key", t.ScopeKey),
		slog.String("role", t.Role),
		slog.Int("size", t.EstimatedSize()),
	)
}

// MemoryCaps bounds one scope's conversation memory.
type MemoryCaps struct {
	// MaxTurns is the maximum number of stored turns per scope. 0=unlimited.
	MaxTurns int `json:"max_turns"`

	// MaxSize is the maximum total estimated size per scope. 0=unlimited.
	MaxSize int `json:"max_size"`
}

// MemoryStore holds bounded, ordered conversation turns per scope, persisted
// via GORM so multiple bot instances share one view of each conversation.
//
// Appends to the same scope are serialized behind a per-scope mutex; appends
// to different scopes proceed independently. After every successful append
// the oldest turns are evicted until the scope is back under its caps, so
// the cap invariant holds immediately after each append.
//
// A per-scope read cache avoids refetching unchanged conversations; it's
// invalidated by scope-changed events from other instances.
type MemoryStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string][]Turn
}

// NewMemoryStore creates a MemoryStore over the given read and write
// database handles.
func NewMemoryStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "memory"),
		scopes:  map[string]*sync.Mutex{},
		cache:   map[string][]Turn{},
	}
}

// scopeLock returns the mutex serializing writes for one scope.
func (m *MemoryStore) scopeLock(scope ScopeKey) *sync.Mutex {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	key := scope.String()
	mu, ok := m.scopes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.scopes[key] = mu
	}
	return mu
}

// Append stores a turn for the given scope, then evicts the oldest turns
// until the scope is within caps. At most one append per scope runs at a
// time.
func (m *MemoryStore) Append(
	ctx context.Context,
	scope ScopeKey,
	turn Turn,
	caps MemoryCaps,
) error {
	mu := m.scopeLock(scope)
	mu.Lock()
	defer mu.Unlock()

	turn.ScopeKey = scope.String()
	if turn.CreatedAt == 0 {
		turn.CreatedAt = time.Now().UnixMilli()
	}

	err := m.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Create(&turn).Error; err != nil {
				return err
			}
			return m.evict(tx, scope, caps)
		},
	)
	if err != nil {
		return &StoreUnavailableError{Op: "append", Err: err}
	}

	m.invalidate(scope)
	return nil
}

// evict drops the oldest turns for a scope until both caps are satisfied,
// inside the caller's transaction. Caller must hold the scope lock.
func (m *MemoryStore) evict(tx *gorm.DB, scope ScopeKey, caps MemoryCaps) error {
	if caps.MaxTurns <= 0 && caps.MaxSize <= 0 {
		return nil
	}

	var turns []Turn
	err := tx.
		Where("scope_key = ?", scope.String()).
		Order("created_at asc, id asc").
		Find(&turns).Error
	if err != nil {
		return err
	}

	total := 0
	for _, t := range turns {
		total += t.EstimatedSize()
	}

	var evictIDs []uint
	for len(turns) > 0 {
		overTurns := caps.MaxTurns > 0 && len(turns) > caps.MaxTurns
		overSize := caps.MaxSize > 0 && total > caps.MaxSize
		if !overTurns && !overSize {
			break
		}
		oldest := turns[0]
		evictIDs = append(evictIDs, oldest.ID)
		total -= oldest.EstimatedSize()
		turns = turns[1:]
	}

	if len(evictIDs) == 0 {
		return nil
	}

	if err = tx.Delete(&Turn{}, "id IN ?", evictIDs).Error; err != nil {
		return err
	}
	m.logger.Debug(
		"evicted turns",
		"scope", scope.String(),
		"count", len(evictIDs),
	)
	return nil
}

// Read returns the most recent maxTurns turns for a scope in chronological
// order (oldest first). A store failure degrades to empty memory rather than
// failing the interaction; the returned error reports the degradation.
func (m *MemoryStore) Read(
	ctx context.Context,
	scope ScopeKey,
	maxTurns int,
) ([]Turn, error) {
	key := scope.String()

	m.cacheMu.RLock()
	cached, ok := m.cache[key]
	m.cacheMu.RUnlock()
	if ok {
		return tailTurns(cached, maxTurns), nil
	}

	var turns []Turn
	err := m.db.WithContext(ctx).
		Where("scope_key = ?", key).
		Order("created_at asc, id asc").
		Find(&turns).Error
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"memory read failed, continuing with empty context",
			"scope", key,
			tint.Err(err),
		)
		return nil, &StoreUnavailableError{Op: "read", Err: err}
	}

	m.cacheMu.Lock()
	m.cache[key] = turns
	m.cacheMu.Unlock()

	return tailTurns(turns, maxTurns), nil
}

func tailTurns(turns []Turn, maxTurns int) []Turn {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Clear removes all stored turns for a scope.
func (m *MemoryStore) Clear(ctx context.Context, scope ScopeKey) error {
	mu := m.scopeLock(scope)
	mu.Lock()
	defer mu.Unlock()

	if _, err := m.writeDB.Delete(
		ctx,
		&Turn{},
		"scope_key = ?",
		scope.String(),
	); err != nil {
		return &StoreUnavailableError{Op: "clear", Err: err}
	}
	m.invalidate(scope)
	return nil
}

// EvictIdle removes all turns belonging to scopes whose newest turn is older
// than the threshold, bounding storage for abandoned conversations. The
// sweep is advisory: it may race with a concurrent append, in which case the
// later write simply recreates the scope.
func (m *MemoryStore) EvictIdle(
	ctx context.Context,
	olderThan time.Time,
) (int64, error) {
	cutoff := olderThan.UnixMilli()

	var stale []string
	err := m.db.WithContext(ctx).
		Model(&Turn{}).
		Group("scope_key").
		Having("max(created_at) < ?", cutoff).
		Pluck("scope_key", &stale).Error
	if err != nil {
		return 0, &StoreUnavailableError{Op: "evict_idle", Err: err}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	count, err := m.writeDB.Delete(ctx, &Turn{}, "scope_key IN ?", stale)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "evict_idle", Err: err}
	}

	// Engage rows are hard-deleted so a scope that comes back to life
	// starts from zero state rather than colliding with a soft-deleted row.
	if err = m.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Unscoped().
				Delete(&EngageRecord{}, "scope_key IN ?", stale).Error
		},
	); err != nil {
		m.logger.WarnContext(ctx, "error sweeping engage state", tint.Err(err))
	}

	m.cacheMu.Lock()
	for _, key := range stale {
		delete(m.cache, key)
	}
	m.cacheMu.Unlock()

	m.logger.InfoContext(
		ctx,
		"swept idle scopes",
		"scopes", len(stale),
		"turns", count,
	)
	return count, nil
}

// Invalidate drops the cached turns for a scope key string, forcing the
// next read to hit the database. Used by the event bus when another
// instance appends to a scope this instance also serves.
func (m *MemoryStore) Invalidate(scopeKey string) {
	m.cacheMu.Lock()
	delete(m.cache, scopeKey)
	m.cacheMu.Unlock()
}

func (m *MemoryStore) invalidate(scope ScopeKey) {
	m.Invalidate(scope.String())
}

// TurnCount returns the number of stored turns for a scope.
func (m *MemoryStore) TurnCount(ctx context.Context, scope ScopeKey) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&Turn{}).
		Where("scope_key = ?", scope.String()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting turns: %w", err)
	}
	return count, nil
}
