package discord

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/automagik/omni/internal/channel"
)

// seenTTL bounds how long inbound message IDs are remembered. The Discord
// gateway redelivers events after reconnects; anything older than this is
// safe to forget.
const seenTTL = 10 * time.Minute

// botSession wraps one live discordgo session with inbound filtering and
// duplicate suppression.
type botSession struct {
	logger   *slog.Logger
	cfg      channel.InstanceConfig
	session  *discordgo.Session
	handler  channel.InboundHandler
	stopping atomic.Bool

	mu   sync.Mutex
	seen map[string]time.Time
}

func newBotSession(log *slog.Logger, cfg channel.InstanceConfig, session *discordgo.Session, handler channel.InboundHandler) *botSession {
	return &botSession{
		logger:  log.With(slog.String("instance", cfg.Name)),
		cfg:     cfg,
		session: session,
		handler: handler,
		seen:    make(map[string]time.Time),
	}
}

func (b *botSession) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	isDM := m.GuildID == ""
	if !isDM && !b.mentionsBot(s, m) {
		return
	}
	if b.alreadySeen(m.ID) {
		return
	}

	text := b.stripBotMention(s, m.Content)
	if strings.TrimSpace(text) == "" && len(m.Attachments) == 0 {
		return
	}

	event := channel.InboundEvent{
		ChannelType:      channel.TypeDiscord,
		InstanceName:     b.cfg.Name,
		ChannelMessageID: m.ID,
		FromPeer:         m.Author.ID,
		PeerDisplayName:  m.Author.Username,
		Text:             text,
		RawMessageKey:    "text",
		Timestamp:        m.Timestamp.UTC(),
		Metadata: map[string]any{
			"channel_id": m.ChannelID,
			"guild_id":   m.GuildID,
			"is_dm":      strconv.FormatBool(isDM),
		},
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		event.Media = append(event.Media, channel.MediaRef{
			Kind: mediaKindFromMime(att.ContentType),
			URL:  att.URL,
			Mime: att.ContentType,
			Name: att.Filename,
			Size: int64(att.Size),
		})
	}
	if len(event.Media) > 0 {
		event.RawMessageKey = string(event.Media[0].Kind)
	}
	if ref := m.ReferencedMessage; ref != nil {
		event.QuotedMessageID = ref.ID
	}

	// Show typing while the agent works; best effort.
	_ = s.ChannelTyping(m.ChannelID)

	go func() {
		if _, err := b.handler(context.Background(), b.cfg, event); err != nil {
			b.logger.Error("inbound dispatch failed",
				slog.String("message_id", m.ID),
				slog.Any("error", err))
		}
	}()
}

func (b *botSession) mentionsBot(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if s.State.User == nil {
		return false
	}
	for _, user := range m.Mentions {
		if user != nil && user.ID == s.State.User.ID {
			return true
		}
	}
	return false
}

func (b *botSession) stripBotMention(s *discordgo.Session, content string) string {
	if s.State.User == nil {
		return strings.TrimSpace(content)
	}
	id := s.State.User.ID
	content = strings.ReplaceAll(content, "<@"+id+">", "")
	content = strings.ReplaceAll(content, "<@!"+id+">", "")
	return strings.TrimSpace(content)
}

// alreadySeen records the ID and reports whether it was present. Expired
// entries are pruned on every call.
func (b *botSession) alreadySeen(messageID string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, at := range b.seen {
		if now.Sub(at) > seenTTL {
			delete(b.seen, id)
		}
	}
	if _, ok := b.seen[messageID]; ok {
		return true
	}
	b.seen[messageID] = now
	return false
}

func mediaKindFromMime(mime string) channel.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return channel.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return channel.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return channel.MediaAudio
	default:
		return channel.MediaDocument
	}
}
