package channel_test

import (
	"strings"
	"testing"

	"github.com/automagik/omni/internal/channel"
)

func TestChunkText_UnderLimit(t *testing.T) {
	t.Parallel()
	chunks := channel.ChunkText("hello world", 100)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("chunks = %v, want single chunk", chunks)
	}
}

func TestChunkText_Empty(t *testing.T) {
	t.Parallel()
	if chunks := channel.ChunkText("  \n ", 100); chunks != nil {
		t.Fatalf("chunks = %v, want nil", chunks)
	}
}

func TestChunkText_SplitsAtNewlines(t *testing.T) {
	t.Parallel()
	text := "aaaa\nbbbb\ncccc"
	chunks := channel.ChunkText(text, 9)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v, want 2", chunks)
	}
	if chunks[0] != "aaaa\nbbbb" || chunks[1] != "cccc" {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestChunkText_RuneLimitNotByteLimit(t *testing.T) {
	t.Parallel()
	// 4 three-byte runes; a byte-based limit of 6 would split mid-rune.
	text := "日本語テ"
	chunks := channel.ChunkText(text, 2)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v, want 2", chunks)
	}
	for _, chunk := range chunks {
		if len([]rune(chunk)) > 2 {
			t.Fatalf("chunk %q exceeds rune limit", chunk)
		}
	}
}

func TestChunkText_SentenceFallback(t *testing.T) {
	t.Parallel()
	line := "First sentence here. Second sentence here. Third one."
	chunks := channel.ChunkText(line, 25)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v, want sentence split", chunks)
	}
	for _, chunk := range chunks {
		if len([]rune(chunk)) > 25 {
			t.Fatalf("chunk %q exceeds limit", chunk)
		}
	}
}

func TestChunkMarkdownText_KeepsFencesIntact(t *testing.T) {
	t.Parallel()
	code := "```go\nfunc main() {\n\tprintln(1)\n}\n```"
	text := "Intro paragraph.\n\n" + code + "\n\nOutro paragraph."
	chunks := channel.ChunkMarkdownText(text, 45)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v, want multiple", chunks)
	}
	found := false
	for _, chunk := range chunks {
		opens := strings.Count(chunk, "```")
		if opens%2 != 0 {
			t.Fatalf("chunk splits a code fence: %q", chunk)
		}
		if strings.Contains(chunk, "func main()") {
			found = true
		}
	}
	if !found {
		t.Fatal("code block content lost")
	}
}

func TestChunkMarkdownText_ParagraphPacking(t *testing.T) {
	t.Parallel()
	text := "para one\n\npara two\n\npara three"
	chunks := channel.ChunkMarkdownText(text, 19)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q, want 2", chunks)
	}
	if chunks[0] != "para one\n\npara two" {
		t.Fatalf("chunks[0] = %q", chunks[0])
	}
}

func TestNormalizeOutboundPolicy_Defaults(t *testing.T) {
	t.Parallel()
	policy := channel.NormalizeOutboundPolicy(channel.OutboundPolicy{})
	if policy.TextChunkLimit != 2000 {
		t.Fatalf("TextChunkLimit = %d", policy.TextChunkLimit)
	}
	if policy.MediaOrder != channel.OutboundOrderMediaFirst {
		t.Fatalf("MediaOrder = %s", policy.MediaOrder)
	}
	if policy.RetryMax != 3 || policy.RetryBackoffMs != 500 || policy.PaceGapMs != 400 {
		t.Fatalf("retry/pace defaults = %d/%d/%d", policy.RetryMax, policy.RetryBackoffMs, policy.PaceGapMs)
	}
	if policy.Chunker == nil {
		t.Fatal("Chunker not defaulted")
	}
}

func TestReplyIsEmpty(t *testing.T) {
	t.Parallel()
	if !(channel.Reply{Text: "  "}).IsEmpty() {
		t.Fatal("whitespace text should be empty")
	}
	if (channel.Reply{Media: []channel.MediaRef{{Kind: channel.MediaImage}}}).IsEmpty() {
		t.Fatal("media-only reply is not empty")
	}
}
