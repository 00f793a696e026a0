package plana

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// typingRefreshInterval is how often the typing indicator is re-sent while
// a completion is in flight. Discord expires the indicator after ~10s.
const typingRefreshInterval = 8 * time.Second

// Discord connects the conversation engine to the discord gateway: it
// translates MessageCreate events into [MessageContext] values, hands them
// to the engine, and delivers replies back to the originating channel.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	engine  *Engine
	logger  *slog.Logger

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// bot identity, set from the gateway Ready payload
	botMu       sync.RWMutex
	botUserID   string
	botUsername string

	// channel ID -> parent category ID, populated lazily via the REST API
	categoryMu    sync.RWMutex
	categoryCache map[string]string

	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	return &Discord{
		config:             config,
		logger:             newComponentLogger("discord", config.LogLevel),
		categoryCache:      map[string]string{},
		removeHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes the discordgo session with the configured token,
// intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if d.config.DiscordGoLogLevel == nil {
		d.config.DiscordGoLogLevel = &slog.LevelVar{}
	}
	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.session.LogLevel = discordgo.LogDebug
	if err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) botIdentity() (id string, username string) {
	d.botMu.RLock()
	defer d.botMu.RUnlock()
	return d.botUserID, d.botUsername
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		var userID, username string
		if s.State != nil && s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
		d.botMu.Lock()
		d.botUserID = userID
		d.botUsername = username
		d.botMu.Unlock()

		d.logger.Info(
			"ready",
			"session_id", s.State.SessionID,
			"user_id", userID,
			"username", username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// handlerMessageCreate translates gateway messages into engine input. The
// engine runs in its own goroutine so a slow completion never blocks the
// gateway event loop.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		botID, _ := d.botIdentity()
		if botID == "" || m.Author.ID == botID {
			return
		}

		msg := d.messageContext(m.Message)
		go d.handleMessage(msg)
	}
}

// messageContext converts a discord message into the transport-neutral
// form the engine consumes. Raw user mentions in the content are rewritten
// to display names so the model never sees snowflake markup.
func (d *Discord) messageContext(m *discordgo.Message) MessageContext {
	botID, botName := d.botIdentity()

	mentioned := make(map[string]string, len(m.Mentions))
	mentionsBot := false
	for _, u := range m.Mentions {
		mentioned[u.ID] = u.Username
		if u.ID == botID {
			mentionsBot = true
		}
	}
	// a reply to one of the bot's messages counts as addressing it
	if !mentionsBot && m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID {
		mentionsBot = true
	}

	content := rewriteMentions(
		m.Content, botID, botName, func(id string) string {
			return mentioned[id]
		},
	)

	timestamp := m.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return MessageContext{
		MessageID:   m.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		CategoryID:  d.channelCategory(m.ChannelID),
		UserID:      m.Author.ID,
		Username:    m.Author.Username,
		Content:     content,
		MentionsBot: mentionsBot,
		Timestamp:   timestamp,
	}
}

// channelCategory returns the parent category ID for a channel, or empty
// if the channel is uncategorized. Lookups hit the REST API once per
// channel and are cached for the life of the process.
func (d *Discord) channelCategory(channelID string) string {
	d.categoryMu.RLock()
	parentID, ok := d.categoryCache[channelID]
	d.categoryMu.RUnlock()
	if ok {
		return parentID
	}

	channel, err := d.session.Channel(channelID)
	if err != nil {
		d.logger.Warn(
			"channel lookup failed",
			"channel_id", channelID,
			tint.Err(err),
		)
		return ""
	}

	d.categoryMu.Lock()
	d.categoryCache[channelID] = channel.ParentID
	d.categoryMu.Unlock()
	return channel.ParentID
}

func (d *Discord) handleMessage(msg MessageContext) {
	ctx := WithLogger(context.Background(), d.logger)

	stopTyping := func() {}
	if d.config.TypingWhileCompleting && msg.MentionsBot {
		stopTyping = d.startTyping(ctx, msg.ChannelID)
	}

	reply, err := d.engine.Handle(ctx, msg)
	stopTyping()
	if err != nil && reply == nil {
		return
	}
	if reply == nil || reply.Content == "" {
		return
	}

	d.sendReply(msg, *reply)
}

// startTyping keeps the typing indicator alive until the returned stop
// function is called.
func (d *Discord) startTyping(ctx context.Context, channelID string) func() {
	typingCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			if err := d.session.ChannelTyping(channelID); err != nil {
				d.logger.Debug("typing indicator failed", tint.Err(err))
			}
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

// sendReply delivers the engine's answer, chunked to discord's message
// length limit. Direct answers reference the triggering message; proactive
// replies are sent as plain channel messages.
func (d *Discord) sendReply(msg MessageContext, reply Reply) {
	chunks := chunkMessage(reply.Content, discordMaxMessageLength)
	for i, chunk := range chunks {
		var err error
		if i == 0 && !reply.Proactive {
			_, err = d.session.ChannelMessageSendReply(
				msg.ChannelID,
				chunk,
				&discordgo.MessageReference{
					MessageID: msg.MessageID,
					ChannelID: msg.ChannelID,
					GuildID:   msg.GuildID,
				},
			)
		} else {
			_, err = d.session.ChannelMessageSend(msg.ChannelID, chunk)
		}
		if err != nil {
			d.logger.Error(
				"error sending reply",
				"channel_id", msg.ChannelID,
				"chunk", i,
				tint.Err(err),
			)
			return
		}
	}
}

// RecentMessages implements [HistoryProvider], returning up to limit
// recent non-bot channel messages, oldest first.
func (d *Discord) RecentMessages(
	_ context.Context,
	channelID string,
	limit int,
) ([]MessageContext, error) {
	raw, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, err
	}

	// the API returns newest first
	out := make([]MessageContext, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		m := raw[i]
		if m == nil || m.Author == nil || m.Author.Bot {
			continue
		}
		out = append(out, d.messageContext(m))
	}
	return out, nil
}

// connect opens the gateway connection and registers event handlers.
func (d *Discord) connect() error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// DiscordSessionHandler is the subset of discordgo.Session the bot uses,
// extracted to enable test doubles.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to discord
	Open() error

	// Close closes the websocket connection to discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping sends the typing indicator to the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// ChannelMessages returns channel messages, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// Channel fetches a channel by ID
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's custom status, clearing it when
	// empty
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements [DiscordSessionHandler], wrapping a
// [discordgo.Session].
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendReply(channelID, content, reference, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetLogLevel maps an slog level onto discordgo's internal logger levels.
func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
