package session_test

import (
	"testing"

	"github.com/automagik/omni/internal/session"
)

func TestForWhatsApp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		prefix string
		userID string
		jid    string
		want   string
	}{
		{"prefixed user", "acme_", "u-123", "5511990000101@s.whatsapp.net", "acme_u-123"},
		{"no prefix", "", "u-123", "", "u-123"},
		{"jid fallback", "acme_", "", "5511990000101@s.whatsapp.net", "acme_5511990000101"},
		{"bare number fallback", "", "", "5511990000101", "5511990000101"},
	}
	for _, tc := range cases {
		if got := session.ForWhatsApp(tc.prefix, tc.userID, tc.jid); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestForDiscord(t *testing.T) {
	t.Parallel()
	if got := session.ForDiscordGuild("123", "456"); got != "discord_123_456" {
		t.Fatalf("guild key = %q", got)
	}
	if got := session.ForDiscordDM("456"); got != "discord_dm_456" {
		t.Fatalf("dm key = %q", got)
	}
}

func TestBareJID(t *testing.T) {
	t.Parallel()
	if got := session.BareJID("5511990000101@s.whatsapp.net"); got != "5511990000101" {
		t.Fatalf("BareJID = %q", got)
	}
	if got := session.BareJID("5511990000101"); got != "5511990000101" {
		t.Fatalf("BareJID passthrough = %q", got)
	}
}

func TestIsGroupJID(t *testing.T) {
	t.Parallel()
	if !session.IsGroupJID("120363041234567890@g.us") {
		t.Fatal("group JID not detected")
	}
	if session.IsGroupJID("5511990000101@s.whatsapp.net") {
		t.Fatal("direct JID misdetected as group")
	}
}
