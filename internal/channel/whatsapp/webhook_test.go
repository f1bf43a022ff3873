package whatsapp

import (
	"testing"

	"github.com/automagik/omni/internal/channel"
)

func testConfig() channel.InstanceConfig {
	return channel.InstanceConfig{
		Name:        "wa-main",
		ChannelType: channel.TypeWhatsApp,
		Credentials: map[string]any{
			"evolution_url":     "http://gateway:8080",
			"evolution_api_key": "secret",
		},
	}
}

const upsertText = `{
	"event": "messages.upsert",
	"instance": "wa-main",
	"data": {
		"key": {"remoteJid": "5511990000101@s.whatsapp.net", "fromMe": false, "id": "MSG-1"},
		"pushName": "Alice",
		"message": {"conversation": "hello there"},
		"messageTimestamp": 1756100000
	}
}`

func TestTranslateWebhook_TextMessage(t *testing.T) {
	t.Parallel()
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(upsertText))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if event.ChannelMessageID != "MSG-1" {
		t.Fatalf("ChannelMessageID = %q", event.ChannelMessageID)
	}
	if event.FromPeer != "5511990000101@s.whatsapp.net" {
		t.Fatalf("FromPeer = %q", event.FromPeer)
	}
	if event.Text != "hello there" {
		t.Fatalf("Text = %q", event.Text)
	}
	if event.RawMessageKey != "conversation" {
		t.Fatalf("RawMessageKey = %q", event.RawMessageKey)
	}
	if event.PeerDisplayName != "Alice" {
		t.Fatalf("PeerDisplayName = %q", event.PeerDisplayName)
	}
	if event.Meta("remote_jid") == "" {
		t.Fatal("remote_jid metadata missing")
	}
}

func TestTranslateWebhook_SkipsOwnMessages(t *testing.T) {
	t.Parallel()
	body := `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511990000101@s.whatsapp.net", "fromMe": true, "id": "MSG-2"},
			"message": {"conversation": "my own echo"}
		}
	}`
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %v, want none", events)
	}
}

func TestTranslateWebhook_NonMessageEvent(t *testing.T) {
	t.Parallel()
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(`{"event":"connection.update","data":{"state":"open"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Fatalf("events = %v, want nil", events)
	}
}

func TestTranslateWebhook_ImageMessage(t *testing.T) {
	t.Parallel()
	body := `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511990000101@s.whatsapp.net", "fromMe": false, "id": "MSG-3"},
			"message": {
				"imageMessage": {
					"url": "https://mmg.whatsapp.net/abc",
					"mimetype": "image/jpeg",
					"caption": "look at this"
				}
			},
			"messageTimestamp": 1756100001
		}
	}`
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if !event.HasMedia() {
		t.Fatal("media missing")
	}
	if event.Media[0].Kind != channel.MediaImage || event.Media[0].URL != "https://mmg.whatsapp.net/abc" {
		t.Fatalf("media = %+v", event.Media[0])
	}
	if event.Text != "look at this" {
		t.Fatalf("caption = %q", event.Text)
	}
	if event.RawMessageKey != "imageMessage" {
		t.Fatalf("RawMessageKey = %q", event.RawMessageKey)
	}
}

func TestTranslateWebhook_MessagesCollection(t *testing.T) {
	t.Parallel()
	body := `{
		"event": "messages.upsert",
		"data": {
			"messages": [
				{"key": {"remoteJid": "a@s.whatsapp.net", "id": "M1"}, "message": {"conversation": "one"}},
				{"key": {"remoteJid": "b@s.whatsapp.net", "id": "M2"}, "message": {"conversation": "two"}}
			]
		}
	}`
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestDetectMessageKey(t *testing.T) {
	t.Parallel()
	if key := DetectMessageKey([]byte(upsertText)); key != "conversation" {
		t.Fatalf("DetectMessageKey = %q", key)
	}
	if key := DetectMessageKey([]byte(`not json`)); key != "" {
		t.Fatalf("DetectMessageKey(garbage) = %q", key)
	}
}

func TestContentKey_MetadataNeverContent(t *testing.T) {
	t.Parallel()
	body := `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "a@s.whatsapp.net", "id": "M1"},
			"message": {
				"messageContextInfo": {"deviceListMetadata": {}},
				"reactionMessage": {"text": "👍"}
			}
		}
	}`
	adapter := NewAdapter(nil)
	events, err := adapter.TranslateWebhook(testConfig(), []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].RawMessageKey != "reactionMessage" {
		t.Fatalf("RawMessageKey = %q, want reactionMessage", events[0].RawMessageKey)
	}
}

func TestNormalizePeer(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"+55 11 990000101":              "5511990000101",
		"5511990000101@s.whatsapp.net":  "5511990000101",
		"5511990000101":                 "5511990000101",
		" +5511990000101 ":              "5511990000101",
	}
	for in, want := range cases {
		if got := normalizePeer(in); got != want {
			t.Errorf("normalizePeer(%q) = %q, want %q", in, got, want)
		}
	}
}
