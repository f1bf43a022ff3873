package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and provides typed accessors
// for their optional capabilities. It must be created via NewRegistry and
// passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// ListDescriptors returns descriptors for all registered channel types,
// sorted by type for stable API output.
func (r *Registry) ListDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a.Descriptor())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type < items[j].Type
	})
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// GetOutboundPolicy returns the outbound policy for the given channel type.
func (r *Registry) GetOutboundPolicy(channelType ChannelType) (OutboundPolicy, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return OutboundPolicy{}, false
	}
	return adapter.Descriptor().OutboundPolicy, true
}

// GetReceiver returns the Receiver for the given channel type, or false if unsupported.
func (r *Registry) GetReceiver(channelType ChannelType) (Receiver, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// GetSender returns the Sender for the given channel type, or false if unsupported.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetMediaSender returns the MediaSender for the given channel type, or false if unsupported.
func (r *Registry) GetMediaSender(channelType ChannelType) (MediaSender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(MediaSender)
	return sender, ok
}

// GetAudioSender returns the AudioSender for the given channel type, or false if unsupported.
func (r *Registry) GetAudioSender(channelType ChannelType) (AudioSender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(AudioSender)
	return sender, ok
}

// GetReactor returns the Reactor for the given channel type, or false if unsupported.
func (r *Registry) GetReactor(channelType ChannelType) (Reactor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	reactor, ok := adapter.(Reactor)
	return reactor, ok
}

// GetPairer returns the Pairer for the given channel type, or false if unsupported.
func (r *Registry) GetPairer(channelType ChannelType) (Pairer, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	pairer, ok := adapter.(Pairer)
	return pairer, ok
}

// GetStatusReporter returns the StatusReporter for the given channel type, or false if unsupported.
func (r *Registry) GetStatusReporter(channelType ChannelType) (StatusReporter, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	reporter, ok := adapter.(StatusReporter)
	return reporter, ok
}

// GetDirectoryProvider returns the DirectoryProvider for the given channel type, or false if unsupported.
func (r *Registry) GetDirectoryProvider(channelType ChannelType) (DirectoryProvider, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	dir, ok := adapter.(DirectoryProvider)
	return dir, ok
}

// GetWebhookIngestor returns the WebhookIngestor for the given channel type, or false if unsupported.
func (r *Registry) GetWebhookIngestor(channelType ChannelType) (WebhookIngestor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	ingestor, ok := adapter.(WebhookIngestor)
	return ingestor, ok
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
