package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// ErrNotConnected indicates the instance has no live channel connection.
var ErrNotConnected = errors.New("channel not connected")

// ErrRateLimited indicates the platform rejected a send for rate reasons.
// Sends failing with this error are retried with backoff.
var ErrRateLimited = errors.New("channel rate limited")

// InboundHandler is a callback invoked when a normalized event arrives from a
// channel. It returns the trace ID the event was recorded under; duplicate
// deliveries return the original trace ID.
type InboundHandler func(ctx context.Context, cfg InstanceConfig, event InboundEvent) (string, error)

// ErrorReporter receives adapter-detected connection failures.
type ErrorReporter func(instanceName string, cause error)

// ErrorNotifier is implemented by adapters that can push connection loss
// back to the manager instead of waiting for the next reconcile.
type ErrorNotifier interface {
	SetErrorReporter(report ErrorReporter)
}

// Adapter is the base interface every channel adapter must implement.
// All behavior beyond identification is expressed through the optional
// capability interfaces below, discovered by type assertion.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType    `json:"type"`
	DisplayName    string         `json:"display_name"`
	Capabilities   Capabilities   `json:"capabilities"`
	OutboundPolicy OutboundPolicy `json:"outbound_policy"`
}

// Capabilities declares what a channel variant can do.
type Capabilities struct {
	Text      bool `json:"text"`
	Media     bool `json:"media"`
	Audio     bool `json:"audio"`
	Reactions bool `json:"reactions"`
	Pairing   bool `json:"pairing"`
	Directory bool `json:"directory"`
}

// Receiver is an adapter capable of establishing a long-lived inbound link.
// For webhook-driven channels the connection is logical: it registers the
// instance as ready to accept webhook deliveries.
type Receiver interface {
	Connect(ctx context.Context, cfg InstanceConfig, handler InboundHandler) (Connection, error)
}

// Sender sends plain text to a peer.
type Sender interface {
	SendText(ctx context.Context, cfg InstanceConfig, peer, text string) (SendResult, error)
}

// MediaSender sends one media item to a peer.
type MediaSender interface {
	SendMedia(ctx context.Context, cfg InstanceConfig, peer string, media MediaRef) (SendResult, error)
}

// AudioSender sends a voice note to a peer.
type AudioSender interface {
	SendAudio(ctx context.Context, cfg InstanceConfig, peer string, audio MediaRef) (SendResult, error)
}

// Reactor adds an emoji reaction to a previously delivered message.
type Reactor interface {
	SendReaction(ctx context.Context, cfg InstanceConfig, peer, messageID, emoji string) (SendResult, error)
}

// Pairer produces onboarding material (QR code, invite URL) for channels
// that need an explicit pairing step.
type Pairer interface {
	Pair(ctx context.Context, cfg InstanceConfig) (PairingInfo, error)
}

// StatusReporter exposes the adapter's native connection state.
type StatusReporter interface {
	Status(ctx context.Context, cfg InstanceConfig) (GatewayStatus, error)
}

// DirectoryProvider proxies contact and chat listings from the platform.
type DirectoryProvider interface {
	Contacts(ctx context.Context, cfg InstanceConfig) ([]map[string]any, error)
	Chats(ctx context.Context, cfg InstanceConfig) ([]map[string]any, error)
	ChatMessages(ctx context.Context, cfg InstanceConfig, chatID string, limit int) ([]map[string]any, error)
}

// WebhookIngestor translates a raw webhook body into normalized events.
// Implemented by webhook-driven variants (whatsapp via the Evolution gateway).
type WebhookIngestor interface {
	TranslateWebhook(cfg InstanceConfig, body []byte) ([]InboundEvent, error)
}

// Connection represents an active, long-lived link for one instance.
type Connection interface {
	InstanceName() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	instanceName string
	channelType  ChannelType
	stop         func(ctx context.Context) error
	running      atomic.Bool
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg InstanceConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		instanceName: cfg.Name,
		channelType:  cfg.ChannelType,
		stop:         stop,
	}
	conn.running.Store(true)
	return conn
}

// InstanceName returns the owning instance name.
func (c *BaseConnection) InstanceName() string {
	return c.instanceName
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
