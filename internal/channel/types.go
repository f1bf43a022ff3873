// Package channel provides a unified abstraction for the messaging platforms
// the hub bridges. It defines the normalized inbound/outbound types, the
// adapter capability interfaces, a registry of adapters, and the manager that
// owns instance connections.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "whatsapp", "discord").
type ChannelType string

const (
	TypeWhatsApp ChannelType = "whatsapp"
	TypeDiscord  ChannelType = "discord"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// InstanceState tracks the lifecycle of one instance connection.
type InstanceState string

const (
	StateUnloaded      InstanceState = "unloaded"
	StateLoading       InstanceState = "loading"
	StateReady         InstanceState = "ready"
	StateConnecting    InstanceState = "connecting"
	StateConnected     InstanceState = "connected"
	StateDisconnecting InstanceState = "disconnecting"
	StateError         InstanceState = "error"
)

// InstanceConfig is the persisted configuration of one tenant instance:
// a named binding of a channel account to an agent endpoint.
type InstanceConfig struct {
	Name            string         `json:"name"`
	ChannelType     ChannelType    `json:"channel_type"`
	Credentials     map[string]any `json:"credentials"`
	AgentAPIURL     string         `json:"agent_api_url"`
	AgentAPIKey     string         `json:"agent_api_key,omitempty"`
	AgentID         string         `json:"agent_id"`
	AgentTimeoutMs  int            `json:"agent_timeout_ms"`
	AgentStreamMode bool           `json:"agent_stream_mode"`
	IsDefault       bool           `json:"is_default"`
	IsActive        bool           `json:"is_active"`
	EnableAutoSplit bool           `json:"enable_auto_split"`
	SessionIDPrefix string         `json:"session_id_prefix,omitempty"`
	// ErrorFallbackText, when set, is sent to the peer after an agent failure.
	ErrorFallbackText string    `json:"error_fallback_text,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Credential returns the trimmed string value for the given credentials key.
func (c InstanceConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	v, _ := c.Credentials[key].(string)
	return strings.TrimSpace(v)
}

// AgentTimeout returns the configured agent timeout as a duration.
func (c InstanceConfig) AgentTimeout() time.Duration {
	if c.AgentTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.AgentTimeoutMs) * time.Millisecond
}

// MediaKind classifies an inbound or outbound media reference.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// MediaRef is a reference to a media object. The hub never stores media
// bytes; URLs and platform keys are passed through to the channel.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url,omitempty"`
	Base64   string    `json:"base64,omitempty"`
	Mime     string    `json:"mime,omitempty"`
	Name     string    `json:"name,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Duration int       `json:"duration_s,omitempty"`
}

// Reference returns the strongest available media reference.
func (m MediaRef) Reference() string {
	if strings.TrimSpace(m.URL) != "" {
		return strings.TrimSpace(m.URL)
	}
	return strings.TrimSpace(m.Base64)
}

// InboundEvent is a normalized message received from a channel.
type InboundEvent struct {
	ChannelType      ChannelType    `json:"channel_type"`
	InstanceName     string         `json:"instance_name"`
	ChannelMessageID string         `json:"channel_message_id"`
	FromPeer         string         `json:"from_peer"`
	PeerDisplayName  string         `json:"peer_display_name,omitempty"`
	Text             string         `json:"text,omitempty"`
	Media            []MediaRef     `json:"media,omitempty"`
	QuotedMessageID  string         `json:"quoted_message_id,omitempty"`
	// RawMessageKey is the channel-native message type key
	// (e.g. "conversation", "imageMessage"); normalization happens
	// in the trace layer.
	RawMessageKey string         `json:"raw_message_key,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	RawPayload    []byte         `json:"-"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Meta returns the trimmed string metadata value for the given key.
func (e InboundEvent) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	v, _ := e.Metadata[key].(string)
	return strings.TrimSpace(v)
}

// HasMedia reports whether the event carries media references.
func (e InboundEvent) HasMedia() bool {
	return len(e.Media) > 0
}

// IsEmpty reports whether the event carries no routable content.
func (e InboundEvent) IsEmpty() bool {
	return strings.TrimSpace(e.Text) == "" && len(e.Media) == 0
}

// SendResult reports the outcome of one channel send.
type SendResult struct {
	MessageID string `json:"message_id,omitempty"`
}

// PairingInfo carries onboarding material for channels that need it.
type PairingInfo struct {
	QRCode    string `json:"qr_code,omitempty"`    // base64 PNG
	PairCode  string `json:"pair_code,omitempty"`  // numeric pairing code
	InviteURL string `json:"invite_url,omitempty"` // bot invite link
}

// GatewayStatus is the adapter's native view of the channel connection.
type GatewayStatus struct {
	NativeState string         `json:"native_state"`
	Profile     map[string]any `json:"profile,omitempty"`
	Identity    string         `json:"identity,omitempty"`
}

// InstanceStatus is the registry's public view of one instance.
type InstanceStatus struct {
	Name                string         `json:"name"`
	ChannelType         ChannelType    `json:"channel_type"`
	State               InstanceState  `json:"state"`
	LastStateTransition time.Time      `json:"last_state_transition"`
	LastError           string         `json:"last_error,omitempty"`
	Gateway             *GatewayStatus `json:"gateway,omitempty"`
}

// CreateInstanceRequest is the input for creating an instance.
type CreateInstanceRequest struct {
	Name              string         `json:"name" validate:"required"`
	ChannelType       string         `json:"channel_type" validate:"required"`
	Credentials       map[string]any `json:"credentials"`
	AgentAPIURL       string         `json:"agent_api_url" validate:"required,url"`
	AgentAPIKey       string         `json:"agent_api_key"`
	AgentID           string         `json:"agent_id"`
	AgentTimeoutMs    int            `json:"agent_timeout_ms"`
	AgentStreamMode   bool           `json:"agent_stream_mode"`
	IsDefault         bool           `json:"is_default"`
	EnableAutoSplit   *bool          `json:"enable_auto_split"`
	SessionIDPrefix   string         `json:"session_id_prefix"`
	ErrorFallbackText string         `json:"error_fallback_text"`
}

// UpdateInstanceRequest is the input for updating an instance. Nil fields
// are left unchanged.
type UpdateInstanceRequest struct {
	Credentials       map[string]any `json:"credentials"`
	AgentAPIURL       *string        `json:"agent_api_url"`
	AgentAPIKey       *string        `json:"agent_api_key"`
	AgentID           *string        `json:"agent_id"`
	AgentTimeoutMs    *int           `json:"agent_timeout_ms"`
	AgentStreamMode   *bool          `json:"agent_stream_mode"`
	IsDefault         *bool          `json:"is_default"`
	IsActive          *bool          `json:"is_active"`
	EnableAutoSplit   *bool          `json:"enable_auto_split"`
	SessionIDPrefix   *string        `json:"session_id_prefix"`
	ErrorFallbackText *string        `json:"error_fallback_text"`
}

// SendTextRequest is the input for sending text through an instance.
type SendTextRequest struct {
	Peer string `json:"peer" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// SendMediaRequest is the input for sending one media item.
type SendMediaRequest struct {
	Peer    string `json:"peer" validate:"required"`
	Kind    string `json:"kind" validate:"required"`
	URL     string `json:"url"`
	Base64  string `json:"base64"`
	Mime    string `json:"mime"`
	Name    string `json:"name"`
	Caption string `json:"caption"`
}

// SendAudioRequest is the input for sending a voice note.
type SendAudioRequest struct {
	Peer   string `json:"peer" validate:"required"`
	URL    string `json:"url"`
	Base64 string `json:"base64"`
}

// SendReactionRequest is the input for reacting to a message.
type SendReactionRequest struct {
	Peer      string `json:"peer" validate:"required"`
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}
