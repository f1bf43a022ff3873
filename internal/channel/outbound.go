package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// OutboundOrder controls the delivery order of text and media messages.
type OutboundOrder string

const (
	OutboundOrderMediaFirst OutboundOrder = "media_first"
	OutboundOrderTextFirst  OutboundOrder = "text_first"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound replies are chunked, paced, and retried.
type OutboundPolicy struct {
	TextChunkLimit int           `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode   `json:"chunker_mode,omitempty"`
	Chunker        Chunker       `json:"-"`
	MediaOrder     OutboundOrder `json:"media_order,omitempty"`
	RetryMax       int           `json:"retry_max,omitempty"`
	RetryBackoffMs int           `json:"retry_backoff_ms,omitempty"`
	// PaceGapMs is the minimum gap between consecutive chunk sends.
	PaceGapMs int `json:"pace_gap_ms,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 2000
	}
	if policy.MediaOrder == "" {
		policy.MediaOrder = OutboundOrderMediaFirst
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeMarkdown
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = 3
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = 500
	}
	if policy.PaceGapMs <= 0 {
		policy.PaceGapMs = 400
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitSentences(line, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

// ChunkMarkdownText splits text at paragraph boundaries, keeping fenced code
// blocks intact, and falls back to sentence splitting for oversized paragraphs.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	paragraphs := splitPreservingFences(trimmed)
	chunks := make([]string, 0)
	buf := make([]string, 0, len(paragraphs))
	bufLen := 0
	for _, para := range paragraphs {
		paraLen := runeLen(para)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 2
		}
		if bufLen+sepLen+paraLen <= limit {
			buf = append(buf, para)
			bufLen += sepLen + paraLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if paraLen <= limit {
			buf = append(buf, para)
			bufLen = paraLen
			continue
		}
		chunks = append(chunks, ChunkText(para, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n\n"))
	}
	return chunks
}

// splitPreservingFences splits on blank lines but treats a fenced code block
// as a single atomic paragraph, so splitting never lands inside a fence.
func splitPreservingFences(text string) []string {
	lines := strings.Split(text, "\n")
	paragraphs := make([]string, 0)
	buf := make([]string, 0, len(lines))
	inFence := false
	flush := func() {
		if len(buf) == 0 {
			return
		}
		paragraphs = append(paragraphs, strings.Join(buf, "\n"))
		buf = buf[:0]
	}
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			buf = append(buf, line)
			if !inFence {
				flush()
			}
			continue
		}
		if !inFence && strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return paragraphs
}

// splitSentences breaks an oversized line at sentence boundaries, falling
// back to a hard rune split when a single sentence exceeds the limit.
func splitSentences(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	sentences := strings.SplitAfter(line, ". ")
	chunks := make([]string, 0)
	buf := strings.Builder{}
	bufLen := 0
	for _, sentence := range sentences {
		sentLen := runeLen(sentence)
		if bufLen+sentLen <= limit {
			buf.WriteString(sentence)
			bufLen += sentLen
			continue
		}
		if bufLen > 0 {
			chunks = append(chunks, strings.TrimSpace(buf.String()))
			buf.Reset()
			bufLen = 0
		}
		if sentLen <= limit {
			buf.WriteString(sentence)
			bufLen = sentLen
			continue
		}
		chunks = append(chunks, splitLongRun(sentence, limit)...)
	}
	if bufLen > 0 {
		chunks = append(chunks, strings.TrimSpace(buf.String()))
	}
	return chunks
}

func splitLongRun(value string, limit int) []string {
	runes := []rune(value)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

// --- Delivery pipeline ---

// Reply is the agent's final output handed to outbound delivery.
type Reply struct {
	Text  string     `json:"text,omitempty"`
	Media []MediaRef `json:"media,omitempty"`
}

// IsEmpty reports whether the reply carries nothing to send.
func (r Reply) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Media) == 0
}

// DeliveryResult summarizes one outbound delivery attempt.
type DeliveryResult struct {
	ChunkCount   int      `json:"chunk_count"`
	SentChunks   int      `json:"sent_chunks"`
	FailedChunks int      `json:"failed_chunks"`
	MessageIDs   []string `json:"message_ids,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Success reports whether every chunk was delivered.
func (r DeliveryResult) Success() bool {
	return r.FailedChunks == 0 && r.SentChunks > 0
}

// Deliverer converts agent replies into sequenced channel sends: chunking
// per policy, pacing between chunks, and bounded retry on transient errors.
type Deliverer struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDeliverer creates a Deliverer over the given adapter registry.
func NewDeliverer(log *slog.Logger, registry *Registry) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		registry: registry,
		logger:   log.With(slog.String("component", "outbound")),
	}
}

// Deliver sends the reply to the peer through the instance's channel.
// Empty text is never sent; media goes one send per item. The returned
// result is populated even when an error is returned.
func (d *Deliverer) Deliver(ctx context.Context, cfg InstanceConfig, peer string, reply Reply) (DeliveryResult, error) {
	result := DeliveryResult{}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return result, fmt.Errorf("peer is required")
	}
	if reply.IsEmpty() {
		return result, fmt.Errorf("reply is empty")
	}
	sender, senderOK := d.registry.GetSender(cfg.ChannelType)
	policy, _ := d.registry.GetOutboundPolicy(cfg.ChannelType)
	policy = NormalizeOutboundPolicy(policy)

	chunks := []string{}
	text := strings.TrimSpace(reply.Text)
	if text != "" {
		if cfg.EnableAutoSplit {
			chunks = policy.Chunker(text, policy.TextChunkLimit)
		} else {
			chunks = []string{text}
		}
	}
	result.ChunkCount = len(chunks) + len(reply.Media)

	limiter := rate.NewLimiter(rate.Every(time.Duration(policy.PaceGapMs)*time.Millisecond), 1)

	sendMedia := func() {
		mediaSender, ok := d.registry.GetMediaSender(cfg.ChannelType)
		for _, item := range reply.Media {
			if !ok {
				result.FailedChunks++
				result.Errors = append(result.Errors, fmt.Sprintf("channel %s does not support media", cfg.ChannelType))
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				result.FailedChunks++
				result.Errors = append(result.Errors, err.Error())
				return
			}
			res, err := d.sendWithRetry(ctx, policy, func() (SendResult, error) {
				return mediaSender.SendMedia(ctx, cfg, peer, item)
			})
			if err != nil {
				result.FailedChunks++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.SentChunks++
			if res.MessageID != "" {
				result.MessageIDs = append(result.MessageIDs, res.MessageID)
			}
		}
	}
	sendText := func() {
		for _, chunk := range chunks {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			if !senderOK {
				result.FailedChunks++
				result.Errors = append(result.Errors, fmt.Sprintf("channel %s does not support text", cfg.ChannelType))
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				result.FailedChunks++
				result.Errors = append(result.Errors, err.Error())
				return
			}
			res, err := d.sendWithRetry(ctx, policy, func() (SendResult, error) {
				return sender.SendText(ctx, cfg, peer, chunk)
			})
			if err != nil {
				result.FailedChunks++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.SentChunks++
			if res.MessageID != "" {
				result.MessageIDs = append(result.MessageIDs, res.MessageID)
			}
		}
	}

	if policy.MediaOrder == OutboundOrderTextFirst {
		sendText()
		sendMedia()
	} else {
		sendMedia()
		sendText()
	}

	if result.FailedChunks > 0 {
		return result, fmt.Errorf("delivery incomplete: %d of %d chunks failed", result.FailedChunks, result.ChunkCount)
	}
	return result, nil
}

// sendWithRetry retries transient failures with linear backoff up to the
// policy's budget. Permanent failures return immediately.
func (d *Deliverer) sendWithRetry(ctx context.Context, policy OutboundPolicy, send func() (SendResult, error)) (SendResult, error) {
	var lastErr error
	for i := 0; i < policy.RetryMax; i++ {
		res, err := send()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) {
			return SendResult{}, err
		}
		if d.logger != nil {
			d.logger.Warn("send retry", slog.Int("attempt", i+1), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return SendResult{}, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Duration(policy.RetryBackoffMs) * time.Millisecond):
		}
	}
	return SendResult{}, fmt.Errorf("send failed after retries: %w", lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNotConnected)
}
