package plana

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EngageRecord is the persisted per-scope engage state: when the bot last
// replied proactively, and how often it has taken part. Created lazily on
// the first message in a scope, swept with idle memory eviction.
type EngageRecord struct {
	ModelUnixTime
	ScopeKey string `gorm:"primaryKey" json:"scope_key"`

	// LastProactive is when the bot last replied without being mentioned,
	// unix milliseconds. The cooldown window is measured from here.
	LastProactive int64 `json:"last_proactive"`

	// ParticipationCount is a rolling counter of engage decisions that
	// came back true.
	ParticipationCount int64 `json:"participation_count"`
}

// EngageState is the in-flight copy of an [EngageRecord] that
// [EngagePolicy.ShouldEngage] reads and returns updated.
type EngageState struct {
	LastProactive      time.Time
	ParticipationCount int64
}

func (s EngageState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Time("last_proactive", s.LastProactive),
		slog.Int64("participation_count", s.ParticipationCount),
	)
}

// EngageDecision is the outcome of an engage evaluation.
type EngageDecision struct {
	// Engage is whether the bot should respond at all
	Engage bool

	// Proactive is true when the decision came from the proactive path
	// rather than a direct mention
	Proactive bool
}

// EngageTrigger is the pluggable proactive-engagement heuristic. It's only
// consulted once the cheap gates (engage mode, filters, cooldown) have
// passed.
type EngageTrigger interface {
	// Fire reports whether the bot should join the conversation for this
	// message.
	Fire(msg MessageContext, settings GuildSettings) bool
}

// RandomTrigger fires at the guild's configured engage rate. This is the
// default heuristic.
type RandomTrigger struct {
	// Rand returns a value in [0.0, 1.0). Defaults to math/rand when nil,
	// and is injectable for tests.
	Rand func() float64
}

func (r RandomTrigger) Fire(_ MessageContext, settings GuildSettings) bool {
	f := r.Rand
	if f == nil {
		f = rand.Float64
	}
	return f() < settings.EngageRate
}

// KeywordTrigger fires when the message contains any of the configured
// keywords (case-insensitive). An empty keyword list never fires.
type KeywordTrigger struct {
	Keywords []string
}

func (k KeywordTrigger) Fire(msg MessageContext, _ GuildSettings) bool {
	if len(k.Keywords) == 0 {
		return false
	}
	content := strings.ToLower(msg.Content)
	for _, kw := range k.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(content, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// EngagePolicy decides, per message, whether the bot should respond.
//
// A direct mention always engages, unconditionally, and leaves the cooldown
// untouched so mentions never starve proactive engagement. The proactive
// path requires engage mode to be enabled for the guild, the message's
// channel and author to pass the guild's filters, and the cooldown to have
// elapsed - then the trigger heuristic has the final word. A true proactive
// decision resets the cooldown.
type EngagePolicy struct {
	Trigger EngageTrigger
}

// NewEngagePolicy returns a policy with the given trigger, defaulting to
// [RandomTrigger].
func NewEngagePolicy(trigger EngageTrigger) *EngagePolicy {
	if trigger == nil {
		trigger = RandomTrigger{}
	}
	return &EngagePolicy{Trigger: trigger}
}

// ShouldEngage evaluates one message. It's a pure function of its inputs
// and the state it returns - no clocks, no I/O - so it's independently
// testable.
func (p *EngagePolicy) ShouldEngage(
	now time.Time,
	msg MessageContext,
	settings GuildSettings,
	state EngageState,
) (EngageDecision, EngageState) {
	if msg.MentionsBot {
		state.ParticipationCount++
		return EngageDecision{Engage: true}, state
	}

	if !settings.EngageMode {
		return EngageDecision{}, state
	}
	if !settings.ChannelAllowed(msg.ChannelID) {
		return EngageDecision{}, state
	}
	if !settings.UserAllowed(msg.UserID) {
		return EngageDecision{}, state
	}

	cooldown := settings.EngageCooldown.Duration
	if cooldown > 0 && !state.LastProactive.IsZero() {
		if now.Sub(state.LastProactive) < cooldown {
			return EngageDecision{}, state
		}
	}

	trigger := p.Trigger
	if trigger == nil {
		trigger = RandomTrigger{}
	}
	if !trigger.Fire(msg, settings) {
		return EngageDecision{}, state
	}

	state.LastProactive = now
	state.ParticipationCount++
	return EngageDecision{Engage: true, Proactive: true}, state
}

// EngageStore loads and saves per-scope engage state.
type EngageStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

func NewEngageStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) *EngageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngageStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "engage_store"),
	}
}

// Get returns the engage state for a scope, zero-valued if the scope has
// never been seen.
func (s *EngageStore) Get(ctx context.Context, scope ScopeKey) (EngageState, error) {
	var rec EngageRecord
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scope.String()).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EngageState{}, nil
		}
		return EngageState{}, &StoreUnavailableError{Op: "engage_get", Err: err}
	}
	state := EngageState{ParticipationCount: rec.ParticipationCount}
	if rec.LastProactive > 0 {
		state.LastProactive = time.UnixMilli(rec.LastProactive)
	}
	return state, nil
}

// Put upserts the engage state for a scope.
func (s *EngageStore) Put(ctx context.Context, scope ScopeKey, state EngageState) error {
	rec := EngageRecord{
		ScopeKey:           scope.String(),
		ParticipationCount: state.ParticipationCount,
	}
	if !state.LastProactive.IsZero() {
		rec.LastProactive = state.LastProactive.UnixMilli()
	}

	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "scope_key"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"last_proactive",
							"participation_count",
							"updated_at",
						},
					),
				},
			).Create(&rec).Error
		},
	)
	if err != nil {
		return &StoreUnavailableError{Op: "engage_put", Err: err}
	}
	return nil
}
