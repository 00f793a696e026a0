package plana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealth        = "/api/health"
	apiPathGuildSettings = "/api/guilds/:guild_id/settings"
	apiPathScopeClear    = "/api/scopes/clear"
	apiPathTools         = "/api/tools"

	xRequestIDHeader = "X-Request-Id"
)

// httpError is the error payload returned by the management API.
type httpError struct {
	Error string `json:"error"`
}

// API serves the management endpoints: guild settings inspection and
// updates, scope memory clearing, tool listing, and a health check.
// Settings changed here take effect on running instances without a
// restart, via the event bus.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(p *Plana, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger("api", config.LogLevel),
	}
	api.handlers = &APIHandlers{p: p, logger: api.logger}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealth, api.handlers.healthCheck)

	protected := r.Group("")
	protected.Use(bearerTokenMiddleware(config.Token))
	protected.GET(apiPathGuildSettings, api.handlers.getGuildSettings)
	protected.PATCH(apiPathGuildSettings, api.handlers.updateGuildSettings)
	protected.POST(apiPathScopeClear, api.handlers.clearScope)
	protected.GET(apiPathTools, api.handlers.listTools)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		network := a.config.ListenNetwork
		if network == "" {
			network = "tcp"
		}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("management API listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// APIHandlers implements the management endpoints.
type APIHandlers struct {
	p      *Plana
	logger *slog.Logger
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"discord_connected": h.p.discord != nil && h.p.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	guildID := c.Param("guild_id")
	settings, err := h.p.settings.Get(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error loading settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error loading settings"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// GuildSettingsUpdate is the PATCH payload for guild settings. Only
// non-nil fields are applied.
//
//nolint:lll // struct tags can't be split
type GuildSettingsUpdate struct {
	Enabled                 *bool        `json:"enabled,omitempty"`
	EngageMode              *bool        `json:"engage_mode,omitempty"`
	EngageRate              *float64     `json:"engage_rate,omitempty" binding:"omitempty,min=0,max=1"`
	EngageCooldown          *Duration    `json:"engage_cooldown,omitempty"`
	MemoryGranularity       *Granularity `json:"memory_granularity,omitempty" binding:"omitempty,oneof=guild category channel"`
	MemoryMaxTurns          *int         `json:"memory_max_turns,omitempty" binding:"omitempty,min=0"`
	MemoryMaxSize           *int         `json:"memory_max_size,omitempty" binding:"omitempty,min=0"`
	SystemPrompt            *string      `json:"system_prompt,omitempty" binding:"omitempty,max=2000"`
	TargetChannels          *StringList  `json:"target_channels,omitempty"`
	TargetChannelsAllowlist *bool        `json:"target_channels_allowlist,omitempty"`
	TargetUsers             *StringList  `json:"target_users,omitempty"`
	TargetUsersAllowlist    *bool        `json:"target_users_allowlist,omitempty"`
}

func (u GuildSettingsUpdate) apply(settings *GuildSettings) {
	if u.Enabled != nil {
		settings.Enabled = *u.Enabled
	}
	if u.EngageMode != nil {
		settings.EngageMode = *u.EngageMode
	}
	if u.EngageRate != nil {
		settings.EngageRate = *u.EngageRate
	}
	if u.EngageCooldown != nil {
		settings.EngageCooldown = *u.EngageCooldown
	}
	if u.MemoryGranularity != nil {
		settings.MemoryGranularity = *u.MemoryGranularity
	}
	if u.MemoryMaxTurns != nil {
		settings.MemoryMaxTurns = *u.MemoryMaxTurns
	}
	if u.MemoryMaxSize != nil {
		settings.MemoryMaxSize = *u.MemoryMaxSize
	}
	if u.SystemPrompt != nil {
		settings.SystemPrompt = *u.SystemPrompt
	}
	if u.TargetChannels != nil {
		settings.TargetChannels = *u.TargetChannels
	}
	if u.TargetChannelsAllowlist != nil {
		settings.TargetChannelsAllowlist = *u.TargetChannelsAllowlist
	}
	if u.TargetUsers != nil {
		settings.TargetUsers = *u.TargetUsers
	}
	if u.TargetUsersAllowlist != nil {
		settings.TargetUsersAllowlist = *u.TargetUsersAllowlist
	}
}

func (h *APIHandlers) updateGuildSettings(c *gin.Context) {
	guildID := c.Param("guild_id")
	log := ginContextLogger(c).With("guild_id", guildID)

	var update GuildSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	settings, err := h.p.settings.Get(ctx, guildID)
	if err != nil {
		log.Error("error loading settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error loading settings"})
		return
	}

	update.apply(&settings)
	if err = h.p.settings.Save(ctx, settings); err != nil {
		log.Error("error saving settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error saving settings"})
		return
	}

	h.p.settings.Invalidate(guildID)
	if h.p.bus != nil {
		h.p.bus.Publish(
			ctx, ScopeEvent{
				Kind:    ScopeEventSettingsUpdated,
				GuildID: guildID,
			},
		)
	}

	log.Info("guild settings updated", "settings", settings)
	c.JSON(http.StatusOK, settings)
}

// ScopeClearRequest identifies the scope whose memory should be dropped.
type ScopeClearRequest struct {
	Granularity Granularity `json:"granularity" binding:"required,oneof=guild category channel"`
	GuildID     string      `json:"guild_id" binding:"required"`
	ContainerID string      `json:"container_id" binding:"required"`
}

func (h *APIHandlers) clearScope(c *gin.Context) {
	var req ScopeClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	scope := ScopeKey{
		Granularity: req.Granularity,
		GuildID:     req.GuildID,
		ContainerID: req.ContainerID,
	}
	ctx := c.Request.Context()
	if err := h.p.memory.Clear(ctx, scope); err != nil {
		ginContextLogger(c).Error(
			"error clearing scope",
			"scope", scope.String(),
			tint.Err(err),
		)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error clearing scope"})
		return
	}

	if h.p.bus != nil {
		h.p.bus.Publish(
			ctx, ScopeEvent{
				Kind:     ScopeEventCleared,
				ScopeKey: scope.String(),
				GuildID:  req.GuildID,
			},
		)
	}

	ginContextLogger(c).Info("scope cleared", "scope", scope.String())
	c.JSON(http.StatusOK, gin.H{"scope": scope.String(), "cleared": true})
}

func (h *APIHandlers) listTools(c *gin.Context) {
	specs := h.p.tools.Specs()
	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		out = append(
			out, gin.H{
				"name":        spec.Name,
				"description": spec.Description,
				"stateful":    spec.Stateful,
			},
		)
	}
	c.JSON(http.StatusOK, out)
}

// bearerTokenMiddleware rejects requests without the configured bearer
// token.
func bearerTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if token == "" || !ok || provided != token {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger set by
// ginLoggingMiddleware, or the default logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	return slog.Default()
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			"request_id", requestID,
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_addr", c.Request.RemoteAddr,
			),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}
