package plana

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentReply struct {
	channelID string
	content   string
	reference *discordgo.MessageReference
}

// fakeDiscordSession implements [DiscordSessionHandler] in-memory.
type fakeDiscordSession struct {
	mu             sync.Mutex
	sent           []sentReply
	typingChannels []string
	channels       map[string]*discordgo.Channel
	channelHistory []*discordgo.Message
	sendErr        error
}

func (f *fakeDiscordSession) Open() error  { return nil }
func (f *fakeDiscordSession) Close() error { return nil }

func (f *fakeDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (f *fakeDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentReply{channelID: channelID, content: content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(
		f.sent,
		sentReply{channelID: channelID, content: content, reference: reference},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingChannels = append(f.typingChannels, channelID)
	return nil
}

func (f *fakeDiscordSession) ChannelMessages(
	_ string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.channelHistory) {
		limit = len(f.channelHistory)
	}
	return f.channelHistory[:limit], nil
}

func (f *fakeDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeDiscordSession) UpdateCustomStatus(string) error { return nil }

func (f *fakeDiscordSession) SetHTTPClient(*http.Client) {}

func (f *fakeDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (f *fakeDiscordSession) sentMessages() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestDiscord(t *testing.T, session *fakeDiscordSession) *Discord {
	t.Helper()
	level := &slog.LevelVar{}
	level.Set(slog.LevelError)
	d, err := newDiscord(
		&DiscordConfig{
			LogLevel:              level,
			TypingWhileCompleting: true,
		},
	)
	require.NoError(t, err)
	d.session = session
	d.botUserID = "100"
	d.botUsername = "Plana"
	return d
}

func TestMessageContext(t *testing.T) {
	session := &fakeDiscordSession{
		channels: map[string]*discordgo.Channel{
			"chan-1": {ID: "chan-1", ParentID: "cat-1"},
		},
	}
	d := newTestDiscord(t, session)

	msg := d.messageContext(
		&discordgo.Message{
			ID:        "msg-1",
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Content:   "hey <@100>, have you met <@102>?",
			Author:    &discordgo.User{ID: "101", Username: "Aris"},
			Mentions: []*discordgo.User{
				{ID: "100", Username: "Plana"},
				{ID: "102", Username: "Midori"},
			},
		},
	)

	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "guild-1", msg.GuildID)
	assert.Equal(t, "chan-1", msg.ChannelID)
	assert.Equal(t, "cat-1", msg.CategoryID)
	assert.Equal(t, "Aris", msg.Username)
	assert.True(t, msg.MentionsBot)
	assert.Equal(
		t,
		"hey @Plana, have you met @Midori<id:102>?",
		msg.Content,
	)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestMessageContextReplyToBot(t *testing.T) {
	d := newTestDiscord(t, &fakeDiscordSession{})

	msg := d.messageContext(
		&discordgo.Message{
			ID:        "msg-2",
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Content:   "thanks!",
			Author:    &discordgo.User{ID: "101", Username: "Aris"},
			ReferencedMessage: &discordgo.Message{
				Author: &discordgo.User{ID: "100", Username: "Plana"},
			},
		},
	)
	assert.True(t, msg.MentionsBot)
}

func TestChannelCategoryCached(t *testing.T) {
	session := &fakeDiscordSession{
		channels: map[string]*discordgo.Channel{
			"chan-1": {ID: "chan-1", ParentID: "cat-1"},
		},
	}
	d := newTestDiscord(t, session)

	assert.Equal(t, "cat-1", d.channelCategory("chan-1"))

	// second lookup is served from the cache, not the session
	session.mu.Lock()
	session.channels = nil
	session.mu.Unlock()
	assert.Equal(t, "cat-1", d.channelCategory("chan-1"))
}

func TestSendReplyReferencesMessage(t *testing.T) {
	session := &fakeDiscordSession{}
	d := newTestDiscord(t, session)

	msg := MessageContext{
		MessageID: "msg-1",
		GuildID:   "guild-1",
		ChannelID: "chan-1",
	}
	d.sendReply(msg, Reply{Content: "direct answer"})

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "direct answer", sent[0].content)
	require.NotNil(t, sent[0].reference)
	assert.Equal(t, "msg-1", sent[0].reference.MessageID)
}

func TestSendReplyProactive(t *testing.T) {
	session := &fakeDiscordSession{}
	d := newTestDiscord(t, session)

	d.sendReply(
		MessageContext{ChannelID: "chan-1"},
		Reply{Content: "just chiming in", Proactive: true},
	)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].reference)
}

func TestSendReplyChunksLongContent(t *testing.T) {
	session := &fakeDiscordSession{}
	d := newTestDiscord(t, session)

	content := strings.Repeat("a", discordMaxMessageLength+500)
	d.sendReply(
		MessageContext{MessageID: "msg-1", ChannelID: "chan-1"},
		Reply{Content: content},
	)

	sent := session.sentMessages()
	require.Len(t, sent, 2)
	assert.Len(t, sent[0].content, discordMaxMessageLength)
	assert.Len(t, sent[1].content, 500)
	// only the first chunk references the triggering message
	assert.NotNil(t, sent[0].reference)
	assert.Nil(t, sent[1].reference)
}

func TestRecentMessages(t *testing.T) {
	session := &fakeDiscordSession{
		// newest first, the way the API returns them
		channelHistory: []*discordgo.Message{
			{
				ID:        "3",
				ChannelID: "chan-1",
				Content:   "newest",
				Author:    &discordgo.User{ID: "102", Username: "Midori"},
			},
			{
				ID:        "2",
				ChannelID: "chan-1",
				Content:   "from the bot",
				Author:    &discordgo.User{ID: "100", Bot: true},
			},
			{
				ID:        "1",
				ChannelID: "chan-1",
				Content:   "oldest",
				Author:    &discordgo.User{ID: "101", Username: "Aris"},
			},
		},
	}
	d := newTestDiscord(t, session)

	messages, err := d.RecentMessages(context.Background(), "chan-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "oldest", messages[0].Content)
	assert.Equal(t, "newest", messages[1].Content)
}

func TestConnectionHandlers(t *testing.T) {
	session := &fakeDiscordSession{}
	d := newTestDiscord(t, session)
	d.config.StartupMessage = "I'm here!"
	d.config.NotificationChannelID = "notify-chan"

	d.handlerConnect()(nil, nil)
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "notify-chan", sent[0].channelID)
	assert.Equal(t, "I'm here!", sent[0].content)

	d.handlerDisconnect()(nil, nil)
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}
