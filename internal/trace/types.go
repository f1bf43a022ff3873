// Package trace records the full journey of every inbound message: one
// MessageTrace row per message, promoted through a monotonic status
// lifecycle, plus stage-scoped payload rows with compressed capture of the
// raw data observed at each stage.
package trace

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a trace. Status only moves toward a
// terminal value; once terminal, only timings and success flags may change.
type Status string

const (
	StatusReceived     Status = "received"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAccessDenied Status = "access_denied"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAccessDenied:
		return true
	default:
		return false
	}
}

// Stage labels the pipeline stage a payload row was captured at.
type Stage string

const (
	StageWebhookReceived Stage = "webhook_received"
	StageAgentRequest    Stage = "agent_request"
	StageAgentResponse   Stage = "agent_response"
	StageOutboundSent    Stage = "outbound_sent"
)

// MessageType is the normalized message classification.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeImage        MessageType = "image"
	TypeVideo        MessageType = "video"
	TypeAudio        MessageType = "audio"
	TypeDocument     MessageType = "document"
	TypeSticker      MessageType = "sticker"
	TypeReaction     MessageType = "reaction"
	TypePoll         MessageType = "poll"
	TypePollUpdate   MessageType = "poll_update"
	TypeEphemeral    MessageType = "ephemeral"
	TypeViewOnce     MessageType = "view_once"
	TypeProtocol     MessageType = "protocol"
	TypeSystem       MessageType = "system"
	TypeEdited       MessageType = "edited"
	TypeCall         MessageType = "call"
	TypeLocation     MessageType = "location"
	TypeLiveLocation MessageType = "live_location"
	TypeContact      MessageType = "contact"
	TypeContacts     MessageType = "contacts"
	TypeUnknown      MessageType = "unknown"
)

// messageTypeTable is the closed mapping from channel-native type keys to
// the normalized enumeration. Baileys envelope keys and the plain names
// used by other channels both appear here.
var messageTypeTable = map[string]MessageType{
	"conversation":           TypeText,
	"extendedTextMessage":    TypeText,
	"text":                   TypeText,
	"imageMessage":           TypeImage,
	"image":                  TypeImage,
	"videoMessage":           TypeVideo,
	"video":                  TypeVideo,
	"audioMessage":           TypeAudio,
	"audio":                  TypeAudio,
	"documentMessage":        TypeDocument,
	"document":               TypeDocument,
	"stickerMessage":         TypeSticker,
	"sticker":                TypeSticker,
	"reactionMessage":        TypeReaction,
	"reaction":               TypeReaction,
	"pollMessage":            TypePoll,
	"pollCreationMessage":    TypePoll,
	"pollCreationMessageV3":  TypePoll,
	"pollUpdateMessage":      TypePollUpdate,
	"ephemeralMessage":       TypeEphemeral,
	"viewOnceMessage":        TypeViewOnce,
	"viewOnceMessageV2":      TypeViewOnce,
	"protocolMessage":        TypeProtocol,
	"editedMessage":          TypeEdited,
	"call":                   TypeCall,
	"locationMessage":        TypeLocation,
	"location":               TypeLocation,
	"liveLocationMessage":    TypeLiveLocation,
	"contactMessage":         TypeContact,
	"contact":                TypeContact,
	"contactsArrayMessage":   TypeContacts,

	"senderKeyDistributionMessage": TypeSystem,
}

// NormalizeMessageType maps a channel-native type key to the normalized
// enumeration. Unrecognized keys resolve to unknown. The function is
// idempotent: normalized values map to themselves.
func NormalizeMessageType(rawKey string) MessageType {
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return TypeUnknown
	}
	if mt, ok := messageTypeTable[key]; ok {
		return mt
	}
	// Already-normalized values pass through unchanged.
	switch MessageType(key) {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker,
		TypeReaction, TypePoll, TypePollUpdate, TypeEphemeral, TypeViewOnce,
		TypeProtocol, TypeSystem, TypeEdited, TypeCall, TypeLocation,
		TypeLiveLocation, TypeContact, TypeContacts:
		return MessageType(key)
	}
	return TypeUnknown
}

// MessageTrace is one row per inbound message. Outbound sends attach to the
// inbound trace rather than creating their own.
type MessageTrace struct {
	TraceID               string      `json:"trace_id"`
	InstanceName          string      `json:"instance_name"`
	ChannelType           string      `json:"channel_type"`
	Direction             string      `json:"direction"`
	MessageID             string      `json:"message_id"`
	SessionName           string      `json:"session_name"`
	UserID                string      `json:"user_id,omitempty"`
	SenderPhone           string      `json:"sender_phone,omitempty"`
	SenderName            string      `json:"sender_name,omitempty"`
	MessageType           MessageType `json:"message_type"`
	HasMedia              bool        `json:"has_media"`
	HasQuotedMessage      bool        `json:"has_quoted_message"`
	Status                Status      `json:"status"`
	ErrorMessage          string      `json:"error_message,omitempty"`
	ErrorStage            string      `json:"error_stage,omitempty"`
	ReceivedAt            time.Time   `json:"received_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	AgentProcessingTimeMs *int64      `json:"agent_processing_time_ms,omitempty"`
	TotalProcessingTimeMs *int64      `json:"total_processing_time_ms,omitempty"`
	AgentResponseSuccess  bool        `json:"agent_response_success"`
	ChannelSendSuccess    bool        `json:"channel_send_success"`
}

// Payload is a stage-scoped record attached to a trace. The payload body is
// stored compressed (see codec.go); media binary content is never embedded.
type Payload struct {
	ID                    string    `json:"id"`
	TraceID               string    `json:"trace_id"`
	Stage                 Stage     `json:"stage"`
	PayloadType           string    `json:"payload_type"`
	StatusCode            *int      `json:"status_code,omitempty"`
	PayloadSizeOriginal   int64     `json:"payload_size_original"`
	PayloadSizeCompressed int64     `json:"payload_size_compressed"`
	CompressionRatio      float64   `json:"compression_ratio"`
	ContainsMedia         bool      `json:"contains_media"`
	ContainsBase64        bool      `json:"contains_base64"`
	Body                  []byte    `json:"-"`
	CreatedAt             time.Time `json:"created_at"`
}

// PayloadFlags qualifies a payload row at write time.
type PayloadFlags struct {
	PayloadType    string
	StatusCode     *int
	ContainsMedia  bool
	ContainsBase64 bool
}

// Query filters trace listings. Zero values mean "any".
type Query struct {
	InstanceName string
	SenderPhone  string
	SessionName  string
	Status       Status
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Timings carries the monotonic-clock deltas recorded at finalization.
type Timings struct {
	AgentProcessingTimeMs int64
	TotalProcessingTimeMs int64
}

// SuccessFlags carries the per-stage outcomes recorded at finalization.
type SuccessFlags struct {
	AgentResponseSuccess bool
	ChannelSendSuccess   bool
}

// AnalyticsSummary is derived from MessageTrace rows alone; payloads are
// never decompressed for analytics.
type AnalyticsSummary struct {
	TotalMessages        int64                  `json:"total_messages"`
	CompletedMessages    int64                  `json:"completed_messages"`
	FailedMessages       int64                  `json:"failed_messages"`
	AccessDeniedMessages int64                  `json:"access_denied_messages"`
	SuccessRate          float64                `json:"success_rate"`
	AvgAgentTimeMs       float64                `json:"avg_agent_time_ms"`
	AvgTotalTimeMs       float64                `json:"avg_total_time_ms"`
	ByMessageType        map[string]int64       `json:"by_message_type"`
	ByErrorStage         map[string]int64       `json:"by_error_stage"`
	ByInstance           map[string]int64       `json:"by_instance"`
	Window               string                 `json:"window"`
}
