// Package session derives the stable conversation key handed to agents.
//
// Conventions:
//
//	WhatsApp 1:1:  {session_id_prefix}{user_internal_id}
//	               (the bare JID digits when no prefix is configured)
//	Discord guild: discord_{guildId}_{userId}
//	Discord DM:    discord_dm_{userId}
//
// Keys are deterministic for the life of a conversation and never encode
// secrets.
package session

import (
	"fmt"
	"strings"
)

// ForWhatsApp builds the session key for a WhatsApp 1:1 conversation.
// userID is the internal user ID; jid is the channel-native fallback used
// when no prefix is configured and no user has been resolved yet.
func ForWhatsApp(prefix, userID, jid string) string {
	prefix = strings.TrimSpace(prefix)
	userID = strings.TrimSpace(userID)
	if userID != "" {
		return prefix + userID
	}
	return prefix + BareJID(jid)
}

// ForDiscordGuild builds the session key for a guild (server) conversation.
func ForDiscordGuild(guildID, userID string) string {
	return fmt.Sprintf("discord_%s_%s", strings.TrimSpace(guildID), strings.TrimSpace(userID))
}

// ForDiscordDM builds the session key for a direct-message conversation.
func ForDiscordDM(userID string) string {
	return fmt.Sprintf("discord_dm_%s", strings.TrimSpace(userID))
}

// BareJID strips the WhatsApp JID domain suffix, returning the phone part.
//
//	5511990000101@s.whatsapp.net → 5511990000101
func BareJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// IsGroupJID reports whether the JID addresses a WhatsApp group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(strings.TrimSpace(jid), "@g.us")
}
