package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/automagik/omni/internal/channel"
)

// Adapter drives WhatsApp through an Evolution API gateway. Inbound traffic
// arrives over webhooks, so Connect establishes a logical connection: it
// verifies the gateway is reachable and marks the instance ready to accept
// webhook deliveries.
type Adapter struct {
	logger      *slog.Logger
	reportError channel.ErrorReporter
}

// SetErrorReporter installs the manager callback for gateway loss.
// Must be called before Connect.
func (a *Adapter) SetErrorReporter(report channel.ErrorReporter) {
	a.reportError = report
}

// reportIfUnreachable promotes transport-level gateway failures to the
// manager. HTTP-level rejections are per-request problems, not connection
// loss, and stay with the caller.
func (a *Adapter) reportIfUnreachable(instanceName string, err error) {
	if err == nil || a.reportError == nil {
		return
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		a.reportError(instanceName, err)
	}
}

// NewAdapter creates the WhatsApp adapter.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("component", "whatsapp"))}
}

// Type returns the channel type this adapter serves.
func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeWhatsApp
}

// Descriptor returns the adapter's capability metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.TypeWhatsApp,
		DisplayName: "WhatsApp (Evolution)",
		Capabilities: channel.Capabilities{
			Text:      true,
			Media:     true,
			Audio:     true,
			Reactions: true,
			Pairing:   true,
			Directory: true,
		},
		OutboundPolicy: channel.NormalizeOutboundPolicy(channel.OutboundPolicy{
			TextChunkLimit: 4000,
			ChunkerMode:    channel.ChunkerModeText,
			MediaOrder:     channel.OutboundOrderMediaFirst,
		}),
	}
}

// Connect validates gateway credentials and reachability. The returned
// connection has no goroutines behind it; messages flow in via webhooks.
func (a *Adapter) Connect(ctx context.Context, cfg channel.InstanceConfig, handler channel.InboundHandler) (channel.Connection, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return nil, err
	}
	state, err := client.connectionState(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("gateway instance ready",
		slog.String("instance", cfg.Name),
		slog.String("gateway_state", state))
	return channel.NewConnection(cfg, func(ctx context.Context) error {
		return nil
	}), nil
}

// SendText sends plain text to a peer.
func (a *Adapter) SendText(ctx context.Context, cfg channel.InstanceConfig, peer, text string) (channel.SendResult, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	id, err := client.sendText(ctx, normalizePeer(peer), text)
	a.reportIfUnreachable(cfg.Name, err)
	return channel.SendResult{MessageID: id}, err
}

// SendMedia sends one media item to a peer.
func (a *Adapter) SendMedia(ctx context.Context, cfg channel.InstanceConfig, peer string, media channel.MediaRef) (channel.SendResult, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	id, err := client.sendMedia(ctx, normalizePeer(peer), media)
	a.reportIfUnreachable(cfg.Name, err)
	return channel.SendResult{MessageID: id}, err
}

// SendAudio sends a voice note to a peer.
func (a *Adapter) SendAudio(ctx context.Context, cfg channel.InstanceConfig, peer string, audio channel.MediaRef) (channel.SendResult, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	id, err := client.sendAudio(ctx, normalizePeer(peer), audio)
	a.reportIfUnreachable(cfg.Name, err)
	return channel.SendResult{MessageID: id}, err
}

// SendReaction adds an emoji reaction to a delivered message.
func (a *Adapter) SendReaction(ctx context.Context, cfg channel.InstanceConfig, peer, messageID, emoji string) (channel.SendResult, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	jid := peer
	if !strings.Contains(jid, "@") {
		jid = normalizePeer(peer) + "@s.whatsapp.net"
	}
	if err := client.sendReaction(ctx, jid, messageID, emoji); err != nil {
		a.reportIfUnreachable(cfg.Name, err)
		return channel.SendResult{}, err
	}
	return channel.SendResult{MessageID: messageID}, nil
}

// Pair fetches onboarding material from the gateway.
func (a *Adapter) Pair(ctx context.Context, cfg channel.InstanceConfig) (channel.PairingInfo, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.PairingInfo{}, err
	}
	return client.connect(ctx)
}

// Status reports the gateway's native view of the connection, including the
// owner identity and profile name once paired.
func (a *Adapter) Status(ctx context.Context, cfg channel.InstanceConfig) (channel.GatewayStatus, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return channel.GatewayStatus{}, err
	}
	state, err := client.connectionState(ctx)
	if err != nil {
		return channel.GatewayStatus{}, err
	}
	status := channel.GatewayStatus{NativeState: state}
	if ownerJID, profileName, err := client.fetchProfile(ctx); err == nil {
		status.Identity = ownerJID
		if profileName != "" || ownerJID != "" {
			status.Profile = map[string]any{
				"owner_jid":    ownerJID,
				"profile_name": profileName,
			}
		}
	}
	return status, nil
}

// Contacts proxies the gateway's contact directory.
func (a *Adapter) Contacts(ctx context.Context, cfg channel.InstanceConfig) ([]map[string]any, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return nil, err
	}
	return client.findContacts(ctx)
}

// Chats proxies the gateway's chat listing.
func (a *Adapter) Chats(ctx context.Context, cfg channel.InstanceConfig) ([]map[string]any, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return nil, err
	}
	return client.findChats(ctx)
}

// ChatMessages proxies message history for one chat.
func (a *Adapter) ChatMessages(ctx context.Context, cfg channel.InstanceConfig, chatID string, limit int) ([]map[string]any, error) {
	client, err := newGatewayClient(cfg)
	if err != nil {
		return nil, err
	}
	jid := chatID
	if !strings.Contains(jid, "@") {
		jid += "@s.whatsapp.net"
	}
	return client.findMessages(ctx, jid, limit)
}

// normalizePeer accepts a bare number, a "+"-prefixed number or a full JID
// and returns what the gateway expects as a recipient.
func normalizePeer(peer string) string {
	peer = strings.TrimSpace(peer)
	if idx := strings.IndexByte(peer, '@'); idx >= 0 {
		peer = peer[:idx]
	}
	peer = strings.TrimPrefix(peer, "+")
	return strings.ReplaceAll(peer, " ", "")
}
