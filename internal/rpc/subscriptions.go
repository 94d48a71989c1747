package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/transport"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// Topics clients may subscribe to. The set is closed; filters are
// topic-specific and opaque to the manager.
const (
	TopicAgents      = "agents"
	TopicAgentOutput = "agent.output"
	TopicChannels    = "channels"
	TopicLogs        = "logs"
)

func validTopic(topic string) bool {
	switch topic {
	case TopicAgents, TopicAgentOutput, TopicChannels, TopicLogs:
		return true
	}
	return false
}

// Subscription is one client's interest in a topic.
type Subscription struct {
	ID           string                 `json:"id"`
	ConnectionID string                 `json:"connectionId"`
	Topic        string                 `json:"topic"`
	Filter       map[string]interface{} `json:"filter,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// SubscriptionManager holds live subscriptions in three indices: by id,
// by owning connection, and by topic. All three are mutated together
// under one lock.
type SubscriptionManager struct {
	mu           sync.RWMutex
	byID         map[string]*Subscription
	byConnection map[string]map[string]struct{}
	byTopic      map[string]map[string]struct{}

	server *transport.Server
	seq    atomic.Uint64
	logger *logger.Logger
}

// NewSubscriptionManager creates a manager delivering through the given
// transport server.
func NewSubscriptionManager(server *transport.Server, log *logger.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		byID:         make(map[string]*Subscription),
		byConnection: make(map[string]map[string]struct{}),
		byTopic:      make(map[string]map[string]struct{}),
		server:       server,
		logger:       log.WithFields(zap.String("component", "subscriptions")),
	}
}

// Subscribe inserts a subscription into all three indices.
func (m *SubscriptionManager) Subscribe(connectionID, topic string, filter map[string]interface{}) (string, error) {
	if !validTopic(topic) {
		return "", fmt.Errorf("unknown topic %q", topic)
	}

	id := fmt.Sprintf("sub-%d", m.seq.Add(1))
	sub := &Subscription{
		ID:           id,
		ConnectionID: connectionID,
		Topic:        topic,
		Filter:       filter,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.byID[id] = sub
	if m.byConnection[connectionID] == nil {
		m.byConnection[connectionID] = make(map[string]struct{})
	}
	m.byConnection[connectionID][id] = struct{}{}
	if m.byTopic[topic] == nil {
		m.byTopic[topic] = make(map[string]struct{})
	}
	m.byTopic[topic][id] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("subscription created",
		zap.String("subscription_id", id),
		zap.String("connection_id", connectionID),
		zap.String("topic", topic))
	return id, nil
}

// Unsubscribe removes a subscription from all three indices, reporting
// whether it existed.
func (m *SubscriptionManager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *SubscriptionManager) removeLocked(id string) bool {
	sub, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	if conns := m.byConnection[sub.ConnectionID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(m.byConnection, sub.ConnectionID)
		}
	}
	if topics := m.byTopic[sub.Topic]; topics != nil {
		delete(topics, id)
		if len(topics) == 0 {
			delete(m.byTopic, sub.Topic)
		}
	}
	return true
}

// Get returns a subscription by id.
func (m *SubscriptionManager) Get(id string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	copied := *sub
	return &copied, true
}

// GetSubscriptions returns the ids owned by a connection.
func (m *SubscriptionManager) GetSubscriptions(connectionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byConnection[connectionID]))
	for id := range m.byConnection[connectionID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Notify delivers a payload to every subscription on a topic whose
// stored filter passes the optional match predicate. Per-connection
// write failures are warned and swallowed.
func (m *SubscriptionManager) Notify(topic string, payload interface{}, match func(*Subscription) bool) {
	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.byTopic[topic]))
	for id := range m.byTopic[topic] {
		if sub, ok := m.byID[id]; ok {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	notification, err := protocol.NewNotification("subscription."+topic, payload)
	if err != nil {
		m.logger.Warn("failed to encode notification",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, sub := range targets {
		if match != nil && !match(sub) {
			continue
		}
		conn, ok := m.server.Get(sub.ConnectionID)
		if !ok {
			continue
		}
		if err := conn.Notify(notification); err != nil {
			m.logger.Warn("notification delivery failed",
				zap.String("subscription_id", sub.ID),
				zap.String("connection_id", sub.ConnectionID),
				zap.Error(err))
		}
	}
}

// Cleanup unsubscribes everything owned by a connection. Called by the
// RPC server when a connection closes.
func (m *SubscriptionManager) Cleanup(connectionID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byConnection[connectionID]))
	for id := range m.byConnection[connectionID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.logger.Debug("connection subscriptions cleaned up",
			zap.String("connection_id", connectionID),
			zap.Int("count", len(ids)))
	}
}
