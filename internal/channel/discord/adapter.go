// Package discord implements the Discord channel adapter over a resident
// bot gateway session. Unlike WhatsApp there is no external gateway to poll;
// each connected instance owns a live discordgo session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/automagik/omni/internal/channel"
)

// Credential keys read from InstanceConfig.Credentials.
const (
	credBotToken = "bot_token"
	credClientID = "client_id"
)

// Adapter manages Discord bot sessions, one per connected instance.
type Adapter struct {
	logger      *slog.Logger
	reportError channel.ErrorReporter

	mu       sync.RWMutex
	sessions map[string]*botSession
}

// SetErrorReporter installs the manager callback for session loss.
// Must be called before Connect.
func (a *Adapter) SetErrorReporter(report channel.ErrorReporter) {
	a.reportError = report
}

func (a *Adapter) reportDown(instanceName string, cause error) {
	if a.reportError != nil {
		a.reportError(instanceName, cause)
	}
}

// NewAdapter creates the Discord adapter.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("component", "discord")),
		sessions: make(map[string]*botSession),
	}
}

// Type returns the channel type this adapter serves.
func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeDiscord
}

// Descriptor returns the adapter's capability metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.TypeDiscord,
		DisplayName: "Discord",
		Capabilities: channel.Capabilities{
			Text:      true,
			Media:     true,
			Reactions: true,
			Pairing:   true,
		},
		OutboundPolicy: channel.NormalizeOutboundPolicy(channel.OutboundPolicy{
			TextChunkLimit: 2000,
			ChunkerMode:    channel.ChunkerModeMarkdown,
			MediaOrder:     channel.OutboundOrderTextFirst,
		}),
	}
}

// Connect opens a gateway session for the instance and starts dispatching
// inbound messages to the handler. Only direct messages and explicit
// mentions of the bot are routed; everything else on shared servers is
// ignored.
func (a *Adapter) Connect(ctx context.Context, cfg channel.InstanceConfig, handler channel.InboundHandler) (channel.Connection, error) {
	token := cfg.Credential(credBotToken)
	if token == "" {
		return nil, fmt.Errorf("instance %s: credential %q is required", cfg.Name, credBotToken)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	bot := newBotSession(a.logger, cfg, session, handler)
	session.AddHandler(bot.onMessageCreate)
	// A disconnect on a session we are not stopping ourselves is a lost
	// gateway link; surface it so the instance lands in the error state.
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		if bot.stopping.Load() {
			return
		}
		a.reportDown(cfg.Name, errors.New("discord gateway connection lost"))
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}

	a.mu.Lock()
	a.sessions[cfg.Name] = bot
	a.mu.Unlock()

	a.logger.Info("discord session open",
		slog.String("instance", cfg.Name),
		slog.String("bot_user", session.State.User.Username))

	return channel.NewConnection(cfg, func(ctx context.Context) error {
		bot.stopping.Store(true)
		a.mu.Lock()
		delete(a.sessions, cfg.Name)
		a.mu.Unlock()
		return session.Close()
	}), nil
}

// SendText sends plain text to a channel or user.
func (a *Adapter) SendText(ctx context.Context, cfg channel.InstanceConfig, peer, text string) (channel.SendResult, error) {
	bot, err := a.session(cfg.Name)
	if err != nil {
		return channel.SendResult{}, err
	}
	channelID, err := bot.resolveChannel(peer)
	if err != nil {
		return channel.SendResult{}, err
	}
	msg, err := bot.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return channel.SendResult{}, classifySendError(err)
	}
	return channel.SendResult{MessageID: msg.ID}, nil
}

// SendMedia sends one media item. URL references are embedded as links;
// Discord fetches and previews them itself.
func (a *Adapter) SendMedia(ctx context.Context, cfg channel.InstanceConfig, peer string, media channel.MediaRef) (channel.SendResult, error) {
	bot, err := a.session(cfg.Name)
	if err != nil {
		return channel.SendResult{}, err
	}
	channelID, err := bot.resolveChannel(peer)
	if err != nil {
		return channel.SendResult{}, err
	}
	content := media.Reference()
	if content == "" {
		return channel.SendResult{}, fmt.Errorf("media has no url")
	}
	if media.Caption != "" {
		content = media.Caption + "\n" + content
	}
	msg, err := bot.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return channel.SendResult{}, classifySendError(err)
	}
	return channel.SendResult{MessageID: msg.ID}, nil
}

// SendReaction adds an emoji reaction to a delivered message.
func (a *Adapter) SendReaction(ctx context.Context, cfg channel.InstanceConfig, peer, messageID, emoji string) (channel.SendResult, error) {
	bot, err := a.session(cfg.Name)
	if err != nil {
		return channel.SendResult{}, err
	}
	channelID, err := bot.resolveChannel(peer)
	if err != nil {
		return channel.SendResult{}, err
	}
	if err := bot.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return channel.SendResult{}, classifySendError(err)
	}
	return channel.SendResult{MessageID: messageID}, nil
}

// Pair returns the bot invite URL derived from the configured client ID.
func (a *Adapter) Pair(ctx context.Context, cfg channel.InstanceConfig) (channel.PairingInfo, error) {
	clientID := cfg.Credential(credClientID)
	if clientID == "" {
		return channel.PairingInfo{}, fmt.Errorf("instance %s: credential %q is required", cfg.Name, credClientID)
	}
	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("scope", "bot")
	query.Set("permissions", "274877975552")
	return channel.PairingInfo{
		InviteURL: "https://discord.com/api/oauth2/authorize?" + query.Encode(),
	}, nil
}

// Status reports the live session state.
func (a *Adapter) Status(ctx context.Context, cfg channel.InstanceConfig) (channel.GatewayStatus, error) {
	bot, err := a.session(cfg.Name)
	if err != nil {
		return channel.GatewayStatus{NativeState: "closed"}, nil
	}
	status := channel.GatewayStatus{NativeState: "open"}
	if user := bot.session.State.User; user != nil {
		status.Identity = user.ID
		status.Profile = map[string]any{
			"username": user.Username,
			"bot_id":   user.ID,
		}
	}
	return status, nil
}

func (a *Adapter) session(instanceName string) (*botSession, error) {
	a.mu.RLock()
	bot, ok := a.sessions[instanceName]
	a.mu.RUnlock()
	if !ok {
		return nil, channel.ErrNotConnected
	}
	return bot, nil
}

func classifySendError(err error) error {
	var restErr *discordgo.RESTError
	if ok := asRESTError(err, &restErr); ok && restErr.Response != nil && restErr.Response.StatusCode == 429 {
		return channel.ErrRateLimited
	}
	return err
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	for err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok {
			*target = restErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// resolveChannel maps a peer reference to a Discord channel ID. Plain IDs
// are used as-is; "user:<id>" opens (or reuses) a DM channel.
func (b *botSession) resolveChannel(peer string) (string, error) {
	peer = strings.TrimSpace(peer)
	if userID, ok := strings.CutPrefix(peer, "user:"); ok {
		dm, err := b.session.UserChannelCreate(userID)
		if err != nil {
			return "", fmt.Errorf("open dm channel: %w", err)
		}
		return dm.ID, nil
	}
	if peer == "" {
		return "", fmt.Errorf("peer is required")
	}
	return peer, nil
}
