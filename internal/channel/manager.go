package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConfigSource is the minimal persistence interface required by Manager.
type ConfigSource interface {
	Get(ctx context.Context, name string) (InstanceConfig, error)
	List(ctx context.Context) ([]InstanceConfig, error)
}

// Manager owns the channel connection of every active instance. It enforces
// exclusivity (at most one connection per instance name), serializes
// lifecycle transitions per instance, and reconciles against the store
// periodically so config edits converge without restarts.
type Manager struct {
	registry        *Registry
	store           ConfigSource
	handler         InboundHandler
	refreshInterval time.Duration
	logger          *slog.Logger

	mu        sync.Mutex
	refreshMu sync.Mutex
	entries   map[string]*instanceEntry
}

type instanceEntry struct {
	mu             sync.Mutex
	config         InstanceConfig
	connection     Connection
	state          InstanceState
	lastTransition time.Time
	lastError      string
}

// NewManager creates a Manager with the given logger, registry, and config store.
func NewManager(log *slog.Logger, registry *Registry, store ConfigSource) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		registry:        registry,
		store:           store,
		refreshInterval: 5 * time.Minute,
		entries:         map[string]*instanceEntry{},
		logger:          log.With(slog.String("component", "channel")),
	}
	// Adapters that detect their own connection loss push it straight to
	// the error state instead of waiting for the next reconcile.
	for _, ct := range registry.Types() {
		if adapter, ok := registry.Get(ct); ok {
			if notifier, ok := adapter.(ErrorNotifier); ok {
				notifier.SetErrorReporter(m.MarkError)
			}
		}
	}
	return m
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetInboundHandler installs the callback that receives normalized inbound
// events. Must be called before Start.
func (m *Manager) SetInboundHandler(handler InboundHandler) {
	m.handler = handler
}

// Start begins the periodic reconcile loop.
func (m *Manager) Start(ctx context.Context) {
	if m.logger != nil {
		m.logger.Info("manager start")
	}
	go func() {
		m.Refresh(ctx)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if m.logger != nil {
					m.logger.Info("manager stop")
				}
				m.stopAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// Refresh reconciles all instance connections against the store.
// Used at startup and as a periodic safety net; targeted changes should go
// through EnsureConnection / RemoveInstance after API operations.
func (m *Manager) Refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.store == nil {
		return
	}
	configs, err := m.store.List(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("list instances failed", slog.Any("error", err))
		}
		return
	}
	active := map[string]InstanceConfig{}
	for _, cfg := range configs {
		if cfg.Name == "" || !cfg.IsActive {
			continue
		}
		active[cfg.Name] = cfg
		if err := m.ensureConnection(ctx, cfg); err != nil {
			if m.logger != nil {
				m.logger.Error("instance connect failed",
					slog.String("instance", cfg.Name),
					slog.String("channel", cfg.ChannelType.String()),
					slog.Any("error", err),
				)
			}
		}
	}

	// Stop connections whose config vanished or went inactive.
	m.mu.Lock()
	stale := make([]*instanceEntry, 0)
	for name, entry := range m.entries {
		if _, ok := active[name]; !ok {
			stale = append(stale, entry)
			delete(m.entries, name)
		}
	}
	m.mu.Unlock()
	for _, entry := range stale {
		m.stopEntry(ctx, entry)
	}
}

// ensureConnection starts or restarts the connection for one instance.
// Behavior-only config changes are applied in place; credential changes
// force a restart.
func (m *Manager) ensureConnection(ctx context.Context, cfg InstanceConfig) error {
	entry := m.entry(cfg.Name)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.connection != nil && entry.connection.Running() {
		if !entry.config.UpdatedAt.Before(cfg.UpdatedAt) {
			return nil
		}
		if credentialsEqual(entry.config.Credentials, cfg.Credentials) && entry.config.ChannelType == cfg.ChannelType {
			// Hot reload: non-connection fields apply without a restart.
			entry.config = cfg
			return nil
		}
		if m.logger != nil {
			m.logger.Info("instance restart", slog.String("instance", cfg.Name), slog.String("channel", cfg.ChannelType.String()))
		}
		m.transitionLocked(entry, cfg, StateDisconnecting, nil)
		if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.transitionLocked(entry, cfg, StateError, err)
			return err
		}
		entry.connection = nil
	}

	receiver, ok := m.registry.GetReceiver(cfg.ChannelType)
	if !ok {
		err := fmt.Errorf("unsupported channel type: %s", cfg.ChannelType)
		m.transitionLocked(entry, cfg, StateError, err)
		return err
	}

	m.transitionLocked(entry, cfg, StateConnecting, nil)
	handler := m.handler
	if handler == nil {
		handler = func(context.Context, InstanceConfig, InboundEvent) (string, error) { return "", nil }
	}
	// Decouple long-lived adapter connections from short-lived request contexts.
	connectCtx := context.Background()
	if ctx != nil {
		connectCtx = context.WithoutCancel(ctx)
	}
	conn, err := receiver.Connect(connectCtx, cfg, handler)
	if err != nil {
		m.transitionLocked(entry, cfg, StateError, err)
		return err
	}
	entry.connection = conn
	m.transitionLocked(entry, cfg, StateConnected, nil)
	if m.logger != nil {
		m.logger.Info("instance connected", slog.String("instance", cfg.Name), slog.String("channel", cfg.ChannelType.String()))
	}
	return nil
}

// EnsureConnection starts, restarts, or stops the connection for the given
// config, according to its active flag. Called after admin API operations.
func (m *Manager) EnsureConnection(ctx context.Context, cfg InstanceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("instance name is required")
	}
	if !cfg.IsActive {
		return m.Disconnect(ctx, cfg.Name)
	}
	return m.ensureConnection(ctx, cfg)
}

// Connect loads the named instance from the store and establishes its connection.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	return m.ensureConnection(ctx, cfg)
}

// Disconnect stops the named instance's connection if one is live.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	entry := m.entries[strings.TrimSpace(name)]
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.connection == nil {
		m.transitionLocked(entry, entry.config, StateReady, nil)
		return nil
	}
	m.transitionLocked(entry, entry.config, StateDisconnecting, nil)
	err := entry.connection.Stop(ctx)
	entry.connection = nil
	if err != nil && !errors.Is(err, ErrStopNotSupported) {
		m.transitionLocked(entry, entry.config, StateError, err)
		return err
	}
	m.transitionLocked(entry, entry.config, StateReady, nil)
	if m.logger != nil {
		m.logger.Info("instance disconnected", slog.String("instance", entry.config.Name))
	}
	return nil
}

// Restart is disconnect followed by connect under the same per-instance lock
// (the entry mutex serializes against concurrent lifecycle calls).
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		return err
	}
	return m.Connect(ctx, name)
}

// RemoveInstance stops and forgets the named instance. Called after delete.
func (m *Manager) RemoveInstance(ctx context.Context, name string) {
	m.mu.Lock()
	entry := m.entries[strings.TrimSpace(name)]
	delete(m.entries, strings.TrimSpace(name))
	m.mu.Unlock()
	if entry != nil {
		m.stopEntry(ctx, entry)
	}
}

// MarkError promotes an instance to the error state. Called by adapters on
// connection loss; the manager does not retry on its own.
func (m *Manager) MarkError(name string, cause error) {
	m.mu.Lock()
	entry := m.entries[strings.TrimSpace(name)]
	m.mu.Unlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	m.transitionLocked(entry, entry.config, StateError, cause)
	if m.logger != nil {
		m.logger.Warn("instance error", slog.String("instance", name), slog.Any("error", cause))
	}
}

// Config returns the cached configuration for a managed instance.
func (m *Manager) Config(name string) (InstanceConfig, bool) {
	m.mu.Lock()
	entry := m.entries[strings.TrimSpace(name)]
	m.mu.Unlock()
	if entry == nil {
		return InstanceConfig{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.config, true
}

// Status returns the lifecycle status of one instance, including the
// adapter's native gateway state when available.
func (m *Manager) Status(ctx context.Context, name string) (InstanceStatus, error) {
	cfg, err := m.store.Get(ctx, name)
	if err != nil {
		return InstanceStatus{}, err
	}
	m.mu.Lock()
	entry := m.entries[cfg.Name]
	m.mu.Unlock()

	status := InstanceStatus{
		Name:        cfg.Name,
		ChannelType: cfg.ChannelType,
		State:       StateUnloaded,
	}
	if entry != nil {
		entry.mu.Lock()
		status.State = entry.state
		status.LastStateTransition = entry.lastTransition
		status.LastError = entry.lastError
		entry.mu.Unlock()
	}
	if reporter, ok := m.registry.GetStatusReporter(cfg.ChannelType); ok && status.State == StateConnected {
		if gw, err := reporter.Status(ctx, cfg); err == nil {
			status.Gateway = &gw
		} else if m.logger != nil {
			m.logger.Warn("gateway status failed", slog.String("instance", cfg.Name), slog.Any("error", err))
		}
	}
	return status, nil
}

// Statuses returns a consistent snapshot of all managed instances, sorted by name.
func (m *Manager) Statuses() []InstanceStatus {
	m.mu.Lock()
	entries := make([]*instanceEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	items := make([]InstanceStatus, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		items = append(items, InstanceStatus{
			Name:                entry.config.Name,
			ChannelType:         entry.config.ChannelType,
			State:               entry.state,
			LastStateTransition: entry.lastTransition,
			LastError:           entry.lastError,
		})
		entry.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

// Shutdown stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(ctx)
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*instanceEntry, 0, len(m.entries))
	for name, entry := range m.entries {
		entries = append(entries, entry)
		delete(m.entries, name)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		m.stopEntry(ctx, entry)
	}
}

func (m *Manager) stopEntry(ctx context.Context, entry *instanceEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.connection == nil {
		return
	}
	if m.logger != nil {
		m.logger.Info("instance stop",
			slog.String("instance", entry.config.Name),
			slog.String("channel", entry.config.ChannelType.String()),
		)
	}
	if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) && m.logger != nil {
		m.logger.Warn("instance stop failed",
			slog.String("instance", entry.config.Name),
			slog.Any("error", err),
		)
	}
	entry.connection = nil
	entry.state = StateUnloaded
	entry.lastTransition = time.Now().UTC()
}

func (m *Manager) entry(name string) *instanceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[name]
	if !ok {
		entry = &instanceEntry{state: StateLoading, lastTransition: time.Now().UTC()}
		m.entries[name] = entry
	}
	return entry
}

// transitionLocked records a state transition. Caller holds entry.mu.
func (m *Manager) transitionLocked(entry *instanceEntry, cfg InstanceConfig, state InstanceState, cause error) {
	entry.config = cfg
	entry.state = state
	entry.lastTransition = time.Now().UTC()
	if cause != nil {
		entry.lastError = cause.Error()
	} else if state == StateConnected || state == StateReady {
		entry.lastError = ""
	}
}

func credentialsEqual(a, b map[string]any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
