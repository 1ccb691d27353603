// Package discord adapts a discordgo session to the relay: gateway events are forwarded to a
// Handler, and the relay's lookups (does a message still exist, who is in a voice channel) are
// answered from the state cache with REST fallbacks.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/discord-relay/mirror"
	"github.com/onnwee/discord-relay/occupancy"
)

// Intents the relay needs. Message content is privileged and must be enabled for the bot.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// Handler receives the events of the configured guild.
type Handler interface {
	OnReady()
	OnDisconnect()
	OnMessageCreate(msg mirror.Message)
	OnMessageUpdate(msg mirror.Message)
	OnMessageDelete(channelID, messageID string)
	OnVoiceStateUpdate(oldChannelID, newChannelID string)
}

// Client wraps one bot session scoped to one guild.
type Client struct {
	session *discordgo.Session
	guildID string
}

// New creates a session for the bot token. Call Bind, then Open.
func New(token, guildID string) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.State.TrackVoice = true
	s.State.TrackMembers = true
	s.State.TrackChannels = true
	return &Client{session: s, guildID: guildID}, nil
}

// Session exposes the underlying session.
func (c *Client) Session() *discordgo.Session { return c.session }

// Open connects to the gateway.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error { return c.session.Close() }

// Bind registers h for the session's events. Events from other guilds are dropped.
func (c *Client) Bind(h Handler) {
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		defer recoverEvent("ready")
		slog.Info("discord session ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
		h.OnReady()
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		defer recoverEvent("disconnect")
		slog.Warn("discord session disconnected")
		h.OnDisconnect()
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		defer recoverEvent("message_create")
		if m.GuildID != c.guildID {
			return
		}
		h.OnMessageCreate(toMessage(s, m.Message))
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		defer recoverEvent("message_update")
		if m.GuildID != c.guildID {
			return
		}
		h.OnMessageUpdate(toMessage(s, m.Message))
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		defer recoverEvent("message_delete")
		if m.GuildID != c.guildID {
			return
		}
		h.OnMessageDelete(m.ChannelID, m.ID)
	})
	c.session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		defer recoverEvent("voice_state_update")
		if v.GuildID != c.guildID {
			return
		}
		oldID, newID := voiceTransition(v)
		h.OnVoiceStateUpdate(oldID, newID)
	})
}

func recoverEvent(event string) {
	if r := recover(); r != nil {
		slog.Error("panic in discord event handler",
			slog.String("event", event),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
	}
}

func voiceTransition(v *discordgo.VoiceStateUpdate) (oldID, newID string) {
	if v.BeforeUpdate != nil {
		oldID = v.BeforeUpdate.ChannelID
	}
	if v.VoiceState != nil {
		newID = v.ChannelID
	}
	return oldID, newID
}

// toMessage converts a gateway message, replacing user, role and channel mentions with their
// display names.
func toMessage(s *discordgo.Session, m *discordgo.Message) mirror.Message {
	content := m.Content
	if s != nil && s.StateEnabled && m.GuildID != "" {
		if replaced, err := m.ContentWithMoreMentionsReplaced(s); err == nil {
			content = replaced
		} else {
			content = m.ContentWithMentionsReplaced()
		}
	} else if len(m.Mentions) > 0 {
		content = m.ContentWithMentionsReplaced()
	}
	return mirror.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   content,
		CreatedAt: m.Timestamp,
	}
}

// FetchMessage confirms the message exists. A 404 yields mirror.ErrMessageNotFound.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) error {
	_, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("message %s: %w", messageID, mirror.ErrMessageNotFound)
	}
	return fmt.Errorf("fetch message %s: %w", messageID, err)
}

func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// VoiceOccupancy counts the members connected to a voice or stage channel, split into bots and
// humans. Other channel types yield occupancy.ErrNotVoiceChannel.
func (c *Client) VoiceOccupancy(ctx context.Context, channelID string) (string, occupancy.Snapshot, error) {
	ch, err := c.channel(ctx, channelID)
	if err != nil {
		return "", occupancy.Snapshot{}, err
	}
	if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return "", occupancy.Snapshot{}, fmt.Errorf("channel %s: %w", channelID, occupancy.ErrNotVoiceChannel)
	}

	connected, err := c.connectedUsers(channelID)
	if err != nil {
		return "", occupancy.Snapshot{}, err
	}
	var snap occupancy.Snapshot
	for _, cu := range connected {
		if c.isBot(ctx, cu) {
			snap.Bots++
		} else {
			snap.Humans++
		}
	}
	return ch.Name, snap, nil
}

func (c *Client) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return ch, nil
}

type connectedUser struct {
	userID string
	member *discordgo.Member
}

// connectedUsers copies the voice states for channelID out of the state cache.
func (c *Client) connectedUsers(channelID string) ([]connectedUser, error) {
	st := c.session.State
	g, err := st.Guild(c.guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not in state: %w", c.guildID, err)
	}
	st.RLock()
	defer st.RUnlock()
	var out []connectedUser
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			out = append(out, connectedUser{userID: vs.UserID, member: vs.Member})
		}
	}
	return out, nil
}

func (c *Client) isBot(ctx context.Context, cu connectedUser) bool {
	if cu.member != nil && cu.member.User != nil {
		return cu.member.User.Bot
	}
	if m, err := c.session.State.Member(c.guildID, cu.userID); err == nil && m.User != nil {
		return m.User.Bot
	}
	m, err := c.session.GuildMember(c.guildID, cu.userID, discordgo.WithContext(ctx))
	if err != nil || m.User == nil {
		slog.Warn("member lookup failed; counting as human", slog.String("user_id", cu.userID), slog.Any("err", err))
		return false
	}
	return m.User.Bot
}
