// Package shutdown orders daemon teardown: named handlers run grouped by
// priority, lower priorities first, parallel within a group.
package shutdown

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// Mode selects how a shutdown waits on its handlers.
type Mode string

const (
	// ModeGraceful awaits every handler in every priority group.
	ModeGraceful Mode = "graceful"
	// ModeHard races each priority group against a timeout and moves on.
	ModeHard Mode = "hard"
)

// HandlerFunc is one registered teardown step.
type HandlerFunc func(ctx context.Context, mode Mode) error

type handler struct {
	name     string
	priority int
	fn       HandlerFunc
}

// Manager is a priority-ordered registry of shutdown handlers.
type Manager struct {
	mu       sync.Mutex
	handlers map[string]*handler

	hardTimeout  time.Duration
	shuttingDown atomic.Bool
	executing    atomic.Bool
	escalate     chan struct{}
	escalateOnce sync.Once
	logger       *logger.Logger
}

// NewManager creates a Manager. hardTimeout bounds each priority group
// under hard mode; zero means the 5 second default.
func NewManager(hardTimeout time.Duration, log *logger.Logger) *Manager {
	if hardTimeout <= 0 {
		hardTimeout = 5 * time.Second
	}
	return &Manager{
		handlers:    make(map[string]*handler),
		hardTimeout: hardTimeout,
		escalate:    make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "shutdown")),
	}
}

// Register adds a handler under a unique name. Re-registering a name
// replaces the previous handler with a warning.
func (m *Manager) Register(name string, priority int, fn HandlerFunc) {
	m.mu.Lock()
	if _, exists := m.handlers[name]; exists {
		m.logger.Warn("replacing shutdown handler", zap.String("name", name))
	}
	m.handlers[name] = &handler{name: name, priority: priority, fn: fn}
	m.mu.Unlock()
}

// Unregister removes a handler.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.handlers, name)
	m.mu.Unlock()
}

// IsShuttingDown reports whether Execute has ever been entered.
func (m *Manager) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Escalate flips an in-flight graceful execution to hard mode: the group
// currently awaited falls onto the hard budget and every remaining group
// runs under it. Idempotent.
func (m *Manager) Escalate() {
	m.escalateOnce.Do(func() {
		m.logger.Warn("shutdown escalated to hard mode")
		close(m.escalate)
	})
}

func (m *Manager) isEscalated() bool {
	select {
	case <-m.escalate:
		return true
	default:
		return false
	}
}

// Execute runs all handlers grouped by ascending priority. Within a
// group handlers run in parallel. Graceful mode awaits every handler and
// logs failures; hard mode abandons a group when it exceeds the
// per-priority timeout. Escalate switches a graceful run onto the hard
// budget mid-flight. A concurrent second call warns and returns.
func (m *Manager) Execute(ctx context.Context, mode Mode) {
	if !m.executing.CompareAndSwap(false, true) {
		m.logger.Warn("shutdown already in progress")
		return
	}
	defer m.executing.Store(false)
	m.shuttingDown.Store(true)

	groups := m.groupByPriority()
	m.logger.Info("shutdown starting",
		zap.String("mode", string(mode)), zap.Int("groups", len(groups)))

	for _, group := range groups {
		if mode == ModeGraceful && m.isEscalated() {
			mode = ModeHard
		}
		m.runGroup(ctx, mode, group)
	}
	m.logger.Info("shutdown complete", zap.String("mode", string(mode)))
}

type priorityGroup struct {
	priority int
	handlers []*handler
}

func (m *Manager) groupByPriority() []priorityGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPrio := make(map[int][]*handler)
	for _, h := range m.handlers {
		byPrio[h.priority] = append(byPrio[h.priority], h)
	}
	groups := make([]priorityGroup, 0, len(byPrio))
	for prio, hs := range byPrio {
		groups = append(groups, priorityGroup{priority: prio, handlers: hs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].priority < groups[j].priority })
	return groups
}

// runGroup runs one priority group. Handler errors and panics are
// contained per handler; under hard mode the group is abandoned at the
// timeout and its stragglers keep running detached.
func (m *Manager) runGroup(ctx context.Context, mode Mode, group priorityGroup) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, h := range group.handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("shutdown handler panicked",
						zap.String("handler", h.name), zap.Any("panic", r))
				}
			}()
			if err := h.fn(ctx, mode); err != nil {
				m.logger.Error("shutdown handler failed",
					zap.String("handler", h.name),
					zap.Int("priority", h.priority),
					zap.Error(err))
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	if mode == ModeGraceful {
		select {
		case <-done:
			return
		case <-m.escalate:
			m.logger.Warn("abandoning graceful wait",
				zap.Int("priority", group.priority))
		}
	}

	select {
	case <-done:
	case <-time.After(m.hardTimeout):
		m.logger.Warn("priority group timed out, proceeding",
			zap.Int("priority", group.priority),
			zap.Duration("timeout", m.hardTimeout))
	}
}
