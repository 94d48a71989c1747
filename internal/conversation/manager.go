// Package conversation binds channel destinations to agent sessions and
// persists the binding set across daemon restarts.
package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

// Binding links one destination to at most one agent session. AgentID is
// empty while unbound. Binding rows are never deleted; unbinding only
// clears the agent so history stays consistent.
type Binding struct {
	Destination    channel.Destination
	AgentID        string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ListFilter narrows List results. Fields combine with AND.
type ListFilter struct {
	ChannelID string
	HasAgent  *bool
}

// Manager owns the destination→binding map and the agent→destination
// reverse index. The two indices always move together under one lock.
type Manager struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	byAgent  map[string]string // agentID -> destination key

	store  *Store
	logger *logger.Logger
}

// NewManager creates a Manager backed by the given store. The store may
// be nil for purely in-memory use in tests.
func NewManager(store *Store, log *logger.Logger) *Manager {
	return &Manager{
		bindings: make(map[string]*Binding),
		byAgent:  make(map[string]string),
		store:    store,
		logger:   log.WithFields(zap.String("component", "conversations")),
	}
}

// Start loads persisted bindings and rebuilds the reverse index.
func (m *Manager) Start(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	bindings, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.Restore(bindings)
	m.logger.Info("conversations loaded", zap.Int("count", len(bindings)))
	return nil
}

// Stop persists the binding set and clears in-memory state.
func (m *Manager) Stop(ctx context.Context) error {
	if m.store != nil {
		if err := m.store.Save(ctx, m.Snapshot()); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.bindings = make(map[string]*Binding)
	m.byAgent = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// GetOrCreate returns the binding for a destination, creating an unbound
// row on first contact.
func (m *Manager) GetOrCreate(dest channel.Destination) Binding {
	key := dest.Key()
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[key]; ok {
		return *b
	}
	now := time.Now().UTC()
	b := &Binding{
		Destination:    dest,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.bindings[key] = b
	m.logger.Debug("conversation created", zap.String("destination", dest.String()))
	return *b
}

// Bind assigns an agent to a destination. A previous agent on the same
// destination is unindexed; a previous destination of the same agent is
// not touched (the reverse index is overwritten).
func (m *Manager) Bind(dest channel.Destination, agentID string) {
	key := dest.Key()
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[key]
	if !ok {
		b = &Binding{Destination: dest, CreatedAt: now}
		m.bindings[key] = b
	}
	if b.AgentID != "" {
		delete(m.byAgent, b.AgentID)
	}
	b.AgentID = agentID
	b.LastActivityAt = now
	m.byAgent[agentID] = key
}

// Unbind clears the agent from a destination, preserving the row.
// Returns false when the destination had no bound agent.
func (m *Manager) Unbind(dest channel.Destination) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[dest.Key()]
	if !ok || b.AgentID == "" {
		return false
	}
	delete(m.byAgent, b.AgentID)
	b.AgentID = ""
	b.LastActivityAt = time.Now().UTC()
	return true
}

// GetByDestination returns the binding for a destination.
func (m *Manager) GetByDestination(dest channel.Destination) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[dest.Key()]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// GetByAgent returns the binding currently holding an agent.
func (m *Manager) GetByAgent(agentID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byAgent[agentID]
	if !ok {
		return Binding{}, false
	}
	b, ok := m.bindings[key]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Touch bumps a binding's last activity timestamp.
func (m *Manager) Touch(dest channel.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[dest.Key()]; ok {
		b.LastActivityAt = time.Now().UTC()
	}
}

// List returns bindings matching the filter.
func (m *Manager) List(filter *ListFilter) []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		if filter != nil {
			if filter.ChannelID != "" && b.Destination.ChannelID != filter.ChannelID {
				continue
			}
			if filter.HasAgent != nil && (b.AgentID != "") != *filter.HasAgent {
				continue
			}
		}
		result = append(result, *b)
	}
	return result
}

// Snapshot returns a copy of every binding for persistence.
func (m *Manager) Snapshot() []Binding {
	return m.List(nil)
}

// Restore replaces all state with the given bindings and rebuilds the
// reverse index.
func (m *Manager) Restore(bindings []Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings = make(map[string]*Binding, len(bindings))
	m.byAgent = make(map[string]string)
	for i := range bindings {
		b := bindings[i]
		key := b.Destination.Key()
		m.bindings[key] = &b
		if b.AgentID != "" {
			m.byAgent[b.AgentID] = key
		}
	}
}

// TotalCount returns the number of binding rows.
func (m *Manager) TotalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

// ActiveCount returns the number of bindings holding an agent.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgent)
}
