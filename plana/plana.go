package plana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

var (
	// When building, set these like:
	// -ldflags "-X github.com/Independent-Federal-Investigation-Club/plana-core/plana.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Plana is the top-level bot: it owns the database, the stores, the
// conversation engine, the discord connection, the event bus, and the
// management API, and runs them until its context is canceled.
type Plana struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	memory   *MemoryStore
	settings *SettingsStore
	engage   *EngageStore
	policy   *EngagePolicy
	tools    *ToolDispatcher
	backend  ChatBackend
	bus      EventBus
	engine   *Engine
	discord  *Discord
	api      *API

	// runMu prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// equivalent to canceling the Run context
	signalStop chan struct{}

	// signalReady has a value sent on it when startup completes, which
	// tests use to know the bot is serving
	signalReady chan struct{}
}

// New assembles a Plana instance from the given config. The database
// isn't opened and nothing connects until [Plana.Run].
func New(config *Config) (*Plana, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	p := &Plana{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	p.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	p.backend = newOpenAI(config.OpenAI, config.HTTPClient)

	p.tools = NewToolDispatcher(p.logger)
	if err := RegisterBuiltinTools(p.tools); err != nil {
		errs = append(errs, err)
	}

	p.policy = NewEngagePolicy(nil)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}
	p.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	return p, errors.Join(errs...)
}

// ValidateConfig checks the config's binding tags.
func (p *Plana) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// Run starts the bot and blocks until ctx is canceled or startup fails,
// then shuts down gracefully.
func (p *Plana) Run(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.signalStop = make(chan struct{}, 1)
	p.startedAt = time.Now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()
	if err := p.init(startCtx); err != nil {
		logger.Error("init error", tint.Err(err))
		return err
	}

	runtime, runtimeCtx := errgroup.WithContext(ctx)

	if p.api != nil {
		runtime.Go(
			func() error {
				return p.api.Serve(runtimeCtx)
			},
		)
	}

	runtime.Go(
		func() error {
			return p.bus.Listen(runtimeCtx)
		},
	)

	runtime.Go(
		func() error {
			p.runIdleSweep(runtimeCtx)
			return nil
		},
	)

	if err := p.discord.connect(); err != nil {
		cancel()
		_ = runtime.Wait()
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	select {
	case p.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "startup complete")

	<-runtimeCtx.Done()
	return p.shutdown(runtime)
}

// Stop triggers the same graceful shutdown as canceling the Run context.
func (p *Plana) Stop() {
	if p.signalStop != nil {
		select {
		case p.signalStop <- struct{}{}:
		default:
		}
	}
}

// init opens the database, builds the stores and engine, and wires the
// event bus subscribers.
func (p *Plana) init(ctx context.Context) error {
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     p.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		p.config.DatabaseSlowThreshold,
	)

	db, err := CreateDB(ctx, p.config.DatabaseType, p.config.Database, gormLogger)
	if err != nil {
		return err
	}
	p.db = db
	p.writeDB = NewDatabase(
		db,
		p.logger,
		p.config.DatabaseType == dbTypePostgres,
	)

	p.memory = NewMemoryStore(db, p.writeDB, p.logger)
	p.engage = NewEngageStore(db, p.writeDB, p.logger)
	p.settings = NewSettingsStore(
		db,
		p.writeDB,
		p.logger,
		p.config.SettingsCacheTTL,
	)

	bus, err := newEventBus(p.config.DatabaseType, p.config.Database, db, p.logger)
	if err != nil {
		return err
	}
	p.bus = bus
	p.bus.Subscribe(p.handleScopeEvent)

	p.engine = NewEngine(
		p.config.Engine,
		p.backend,
		p.memory,
		p.settings,
		p.engage,
		p.policy,
		p.tools,
		p.bus,
		p.discord,
		p.logger,
	)
	p.discord.engine = p.engine

	if p.config.API != nil && p.config.API.Enabled {
		api, apiErr := newAPI(p, p.config.API)
		if apiErr != nil {
			return apiErr
		}
		p.api = api
	}

	return nil
}

// handleScopeEvent applies changes broadcast by other instances to this
// instance's caches.
func (p *Plana) handleScopeEvent(event ScopeEvent) {
	switch event.Kind {
	case ScopeEventAppended, ScopeEventCleared:
		if event.ScopeKey != "" {
			p.memory.Invalidate(event.ScopeKey)
		}
	case ScopeEventSettingsUpdated:
		if event.GuildID != "" {
			p.settings.Invalidate(event.GuildID)
		}
	}
}

// runIdleSweep periodically drops memory for scopes nobody has spoken in
// past the idle threshold.
func (p *Plana) runIdleSweep(ctx context.Context) {
	threshold := p.config.Engine.MemoryIdleThreshold
	interval := p.config.Engine.MemoryIdleSweepInterval
	if threshold <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.memory.EvictIdle(
				ctx, time.Now().Add(-threshold),
			); err != nil {
				p.logger.WarnContext(ctx, "idle sweep failed", tint.Err(err))
			}
		}
	}
}

// shutdown closes the discord session and the API server, waits for the
// runtime goroutines, then closes the database.
func (p *Plana) shutdown(runtime *errgroup.Group) error {
	logger := p.logger
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		p.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	if p.discord != nil {
		if err := p.discord.close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if p.api != nil {
		if err := p.api.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if err := runtime.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}

	if p.db != nil {
		if sqlDB, err := p.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}

	logger.Info("shutdown complete", "uptime", time.Since(p.startedAt))
	return errors.Join(errs...)
}
