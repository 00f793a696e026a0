package plana

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelScopeChanged = "plana_scope_changed"

	// listenRetryDelay is how long the postgres listener waits after a
	// notification error before retrying
	listenRetryDelay = 5 * time.Second
)

// ScopeEventKind identifies what changed about a scope.
type ScopeEventKind string

const (
	ScopeEventAppended        ScopeEventKind = "scope_appended"
	ScopeEventCleared         ScopeEventKind = "scope_cleared"
	ScopeEventSettingsUpdated ScopeEventKind = "settings_updated"
)

// ScopeEvent is the change summary broadcast between bot instances when
// scope state changes. Delivery is best effort: a missed event only causes
// a stale read on the next request, because the store - not the event - is
// the source of truth.
type ScopeEvent struct {
	// NotifierID identifies the publishing instance, so instances can
	// ignore their own events
	NotifierID string `json:"notifier_id"`

	Kind     ScopeEventKind `json:"kind"`
	ScopeKey string         `json:"scope_key,omitempty"`
	GuildID  string         `json:"guild_id,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// ScopeEventHandler receives scope change events delivered by the bus.
type ScopeEventHandler func(event ScopeEvent)

// EventBus broadcasts scope state changes between bot instances and
// delivers inbound changes to subscribed handlers. The postgres bus
// filters out this instance's own events by notifier ID; the in-process
// bus delivers everything published, its own events included.
//
// Publish is fire-and-forget: failures are logged, never propagated.
type EventBus interface {
	// Publish broadcasts a change
	Publish(ctx context.Context, event ScopeEvent)

	// Subscribe registers a handler for inbound events.
	// Handlers must be registered before Listen starts.
	Subscribe(handler ScopeEventHandler)

	// Listen blocks, delivering inbound events until the context ends
	Listen(ctx context.Context) error

	// ID returns this instance's notifier ID
	ID() string
}

// newEventBus selects the bus implementation for the configured database:
// pg_notify/LISTEN on postgres, in-process dispatch on sqlite (where a
// single writer means there are no other instances to notify).
func newEventBus(
	databaseType string,
	connString string,
	db *gorm.DB,
	logger *slog.Logger,
) (EventBus, error) {
	notifierID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(loggerNameKey, "event_bus")

	switch databaseType {
	case dbTypeSQLite:
		return &localEventBus{notifierID: notifierID, logger: log}, nil
	case dbTypePostgres:
		return &postgresEventBus{
			notifierID: notifierID,
			connString: connString,
			db:         db,
			logger:     log,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// localEventBus dispatches events in-process. Used with sqlite, where the
// single-writer database rules out additional instances anyway.
type localEventBus struct {
	notifierID string
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers []ScopeEventHandler
}

func (b *localEventBus) ID() string {
	return b.notifierID
}

func (b *localEventBus) Subscribe(handler ScopeEventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *localEventBus) Publish(_ context.Context, event ScopeEvent) {
	event.NotifierID = b.notifierID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	handlers := make([]ScopeEventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *localEventBus) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// postgresEventBus broadcasts events with pg_notify and receives them over
// a dedicated LISTEN connection, so instances sharing a postgres database
// converge without polling.
type postgresEventBus struct {
	notifierID string
	connString string
	db         *gorm.DB
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers []ScopeEventHandler
}

func (b *postgresEventBus) ID() string {
	return b.notifierID
}

func (b *postgresEventBus) Subscribe(handler ScopeEventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *postgresEventBus) Publish(ctx context.Context, event ScopeEvent) {
	event.NotifierID = b.notifierID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.ErrorContext(ctx, "error marshaling event", tint.Err(err))
		return
	}

	notifyErr := b.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelScopeChanged,
		string(payload),
	).Error
	if notifyErr != nil {
		// best effort - a missed event is just a stale cache read later
		b.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			tint.Err(notifyErr),
			"event", event,
		)
		return
	}
	b.logger.DebugContext(ctx, "published event", "kind", event.Kind, "scope", event.ScopeKey)
}

func (b *postgresEventBus) Listen(ctx context.Context) error {
	b.logger.Info("starting event listener", "channel", postgresNotifyChannelScopeChanged)

	config, err := pgxpool.ParseConfig(b.connString)
	if err != nil {
		b.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		b.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(
		ctx,
		"LISTEN "+postgresNotifyChannelScopeChanged,
	); err != nil {
		b.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(listenRetryDelay)
			continue
		}

		var event ScopeEvent
		if unmarshalErr := json.Unmarshal(
			[]byte(notification.Payload), &event,
		); unmarshalErr != nil {
			b.logger.WarnContext(
				ctx,
				"discarding malformed event payload",
				tint.Err(unmarshalErr),
			)
			continue
		}

		if event.NotifierID == b.notifierID {
			continue
		}

		b.mu.RLock()
		handlers := make([]ScopeEventHandler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()

		for _, h := range handlers {
			h(event)
		}
	}

	return nil
}
