package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/automagik/omni/internal/channel"
)

// webhookEnvelope is the event wrapper the Evolution gateway posts. The
// data field is a single message object on current gateways and a
// {"messages": [...]} collection on older ones; both are accepted.
type webhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type rawMessage struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string                     `json:"pushName"`
	Message          map[string]json.RawMessage `json:"message"`
	MessageTimestamp int64                      `json:"messageTimestamp"`
}

// metadataKeys is content-free envelope bookkeeping that must never be
// mistaken for the message type.
var metadataKeys = map[string]bool{
	"contextInfo":        true,
	"messageContextInfo": true,
}

// TranslateWebhook converts a raw gateway webhook body into normalized
// inbound events. Non-message events and echoes of our own sends translate
// to an empty slice, not an error.
func (a *Adapter) TranslateWebhook(cfg channel.InstanceConfig, body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if !strings.EqualFold(envelope.Event, "messages.upsert") {
		return nil, nil
	}

	messages, err := decodeMessages(envelope.Data)
	if err != nil {
		return nil, err
	}
	events := make([]channel.InboundEvent, 0, len(messages))
	for _, msg := range messages {
		if msg.Key.FromMe || msg.Key.ID == "" {
			continue
		}
		event := channel.InboundEvent{
			ChannelType:      channel.TypeWhatsApp,
			InstanceName:     cfg.Name,
			ChannelMessageID: msg.Key.ID,
			FromPeer:         msg.Key.RemoteJID,
			PeerDisplayName:  msg.PushName,
			RawMessageKey:    contentKey(msg.Message),
			Timestamp:        time.Unix(msg.MessageTimestamp, 0).UTC(),
			RawPayload:       body,
			Metadata: map[string]any{
				"remote_jid": msg.Key.RemoteJID,
				"is_group":   strconv.FormatBool(isGroupJID(msg.Key.RemoteJID)),
			},
		}
		if msg.MessageTimestamp == 0 {
			event.Timestamp = time.Now().UTC()
		}
		fillContent(&event, msg.Message)
		events = append(events, event)
	}
	return events, nil
}

// DetectMessageKey extracts the channel-native message type key from a raw
// webhook body, used to re-classify traces recorded before a key was known.
func DetectMessageKey(body []byte) string {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	messages, err := decodeMessages(envelope.Data)
	if err != nil || len(messages) == 0 {
		return ""
	}
	return contentKey(messages[0].Message)
}

func decodeMessages(data json.RawMessage) ([]rawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var collection struct {
		Messages []rawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &collection); err == nil && len(collection.Messages) > 0 {
		return collection.Messages, nil
	}
	var single rawMessage
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode webhook data: %w", err)
	}
	if single.Key.ID == "" {
		return nil, nil
	}
	return []rawMessage{single}, nil
}

// contentKey returns the first non-metadata key of the message object.
// Wrapper types (ephemeralMessage, viewOnceMessage) win over their inner
// content so the classification reflects what the sender chose.
func contentKey(message map[string]json.RawMessage) string {
	for _, key := range []string{"ephemeralMessage", "viewOnceMessage", "viewOnceMessageV2"} {
		if _, ok := message[key]; ok {
			return key
		}
	}
	for key := range message {
		if !metadataKeys[key] {
			return key
		}
	}
	return ""
}

// fillContent extracts text, media references and the quoted message ID.
// Media bytes stay on the platform; only URLs and descriptors travel.
func fillContent(event *channel.InboundEvent, message map[string]json.RawMessage) {
	if raw, ok := message["conversation"]; ok {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			event.Text = text
		}
		return
	}
	if raw, ok := message["extendedTextMessage"]; ok {
		var ext struct {
			Text        string `json:"text"`
			ContextInfo struct {
				StanzaID string `json:"stanzaId"`
			} `json:"contextInfo"`
		}
		if json.Unmarshal(raw, &ext) == nil {
			event.Text = ext.Text
			event.QuotedMessageID = ext.ContextInfo.StanzaID
		}
		return
	}
	for key, kind := range map[string]channel.MediaKind{
		"imageMessage":    channel.MediaImage,
		"videoMessage":    channel.MediaVideo,
		"audioMessage":    channel.MediaAudio,
		"documentMessage": channel.MediaDocument,
		"stickerMessage":  channel.MediaSticker,
	} {
		raw, ok := message[key]
		if !ok {
			continue
		}
		var media struct {
			URL      string `json:"url"`
			Mimetype string `json:"mimetype"`
			Caption  string `json:"caption"`
			FileName string `json:"fileName"`
			Seconds  int    `json:"seconds"`
		}
		if json.Unmarshal(raw, &media) != nil {
			continue
		}
		event.Text = media.Caption
		event.Media = append(event.Media, channel.MediaRef{
			Kind:     kind,
			URL:      media.URL,
			Mime:     media.Mimetype,
			Name:     media.FileName,
			Caption:  media.Caption,
			Duration: media.Seconds,
		})
		return
	}
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
