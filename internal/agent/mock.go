package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAdapter is a placeholder adapter used by tests and mock runs.
type MockAdapter struct {
	AdapterInfo AdapterInfo
}

// Info returns the adapter's identity.
func (a *MockAdapter) Info() AdapterInfo {
	return a.AdapterInfo
}

// NewMockAdapter creates a MockAdapter for the given model identifier.
func NewMockAdapter(identifier string) *MockAdapter {
	provider, model := splitModelIdentifier(identifier)
	return &MockAdapter{AdapterInfo: AdapterInfo{Provider: provider, Model: model}}
}

func splitModelIdentifier(identifier string) (string, string) {
	if i := strings.IndexByte(identifier, '/'); i >= 0 {
		return identifier[:i], identifier[i+1:]
	}
	return "mock", identifier
}

// MockModel implements Model for tests and mock runs.
type MockModel struct {
	ID string
}

// Identifier returns the model identifier.
func (m *MockModel) Identifier() string { return m.ID }

// CreateAdapter returns a MockAdapter scoped to the session.
func (m *MockModel) CreateAdapter(_ context.Context, _ string) (Adapter, error) {
	return NewMockAdapter(m.ID), nil
}

// MockModelFactory resolves every identifier to a MockModel.
type MockModelFactory struct{}

// Lookup returns a MockModel for the identifier.
func (f *MockModelFactory) Lookup(identifier string) (Model, error) {
	if identifier == "" {
		return nil, errors.New("empty model identifier")
	}
	return &MockModel{ID: identifier}, nil
}

// mockHandle is a session owned by the MockCoordinator.
type mockHandle struct {
	id        string
	createdAt time.Time
	cfg       SpawnConfig
	coord     *MockCoordinator

	mu     sync.Mutex
	status Status
}

func (h *mockHandle) ID() string          { return h.id }
func (h *mockHandle) Config() SpawnConfig { return h.cfg }
func (h *mockHandle) CreatedAt() time.Time {
	return h.createdAt
}

func (h *mockHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *mockHandle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Start runs one scripted turn from the initial input, if any.
func (h *mockHandle) Start(_ context.Context) error {
	go h.coord.runTurn(h, h.cfg.InitialInput)
	return nil
}

func (h *mockHandle) Send(_ context.Context, input *Input) error {
	h.coord.mu.Lock()
	err := h.coord.SendErr
	h.coord.sendCalls = append(h.coord.sendCalls, SendCall{AgentID: h.id, Input: input})
	h.coord.mu.Unlock()
	if err != nil {
		return err
	}
	go h.coord.runTurn(h, input)
	return nil
}

func (h *mockHandle) Pause(_ context.Context) error {
	h.setStatus(StatusPaused)
	return nil
}

func (h *mockHandle) Resume(_ context.Context) error {
	h.setStatus(StatusRunning)
	return nil
}

func (h *mockHandle) Terminate(_ context.Context) error {
	h.setStatus(StatusCompleted)
	return nil
}

func (h *mockHandle) Snapshot(_ context.Context) (*Checkpoint, error) {
	adapter := h.coord.GetAdapter(h.id)
	info := AdapterInfo{Provider: "mock", Model: "mock"}
	if adapter != nil {
		info = adapter.Info()
	}
	return &Checkpoint{AgentID: h.id, Timestamp: time.Now().UTC(), Adapter: info}, nil
}

// SpawnCall records one Spawn invocation.
type SpawnCall struct {
	Adapter Adapter
	Config  SpawnConfig
}

// ContinueCall records one Continue invocation.
type ContinueCall struct {
	AgentID string
	Input   *Input
	Adapter Adapter
	Opts    *ContinueOptions
}

// SendCall records one Handle.Send invocation.
type SendCall struct {
	AgentID string
	Input   *Input
}

// MockCoordinator implements Coordinator in memory. It powers tests and
// --mock daemon runs: each turn responds with a scripted or echoed line.
type MockCoordinator struct {
	// Scripted failure modes, consulted at call time.
	SpawnErr    error
	ContinueErr error
	SendErr     error

	// RespondWith, when non-empty, is emitted as the final output of
	// every turn; otherwise the turn echoes its input.
	RespondWith string

	// Silent suppresses automatic turn output entirely. Tests that emit
	// events by hand set this.
	Silent bool

	mu          sync.Mutex
	started     bool
	handles     map[string]*mockHandle
	adapters    map[string]Adapter
	checkpoints map[string]*Checkpoint
	subscribers map[int]func(*Event)
	nextSub     int

	spawnCalls    []SpawnCall
	continueCalls []ContinueCall
	sendCalls     []SendCall
}

// NewMockCoordinator creates an empty MockCoordinator.
func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{
		handles:     make(map[string]*mockHandle),
		adapters:    make(map[string]Adapter),
		checkpoints: make(map[string]*Checkpoint),
		subscribers: make(map[int]func(*Event)),
	}
}

// Start marks the coordinator started.
func (c *MockCoordinator) Start(_ context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Spawn creates a new mock session.
func (c *MockCoordinator) Spawn(_ context.Context, adapter Adapter, cfg SpawnConfig) (Handle, error) {
	c.mu.Lock()
	if c.SpawnErr != nil {
		err := c.SpawnErr
		c.mu.Unlock()
		return nil, err
	}
	h := &mockHandle{
		id:        uuid.New().String(),
		createdAt: time.Now().UTC(),
		cfg:       cfg,
		coord:     c,
		status:    StatusRunning,
	}
	c.handles[h.id] = h
	c.adapters[h.id] = adapter
	c.spawnCalls = append(c.spawnCalls, SpawnCall{Adapter: adapter, Config: cfg})
	c.mu.Unlock()

	c.emit(&Event{Type: EventAgentSpawned, AgentID: h.id})
	if cfg.InitialInput != nil {
		go c.runTurn(h, cfg.InitialInput)
	}
	return h, nil
}

// Continue resumes a session, recreating it if the coordinator lost it.
func (c *MockCoordinator) Continue(_ context.Context, agentID string, input *Input, adapter Adapter, opts *ContinueOptions) error {
	c.mu.Lock()
	if c.ContinueErr != nil {
		err := c.ContinueErr
		c.continueCalls = append(c.continueCalls, ContinueCall{AgentID: agentID, Input: input, Adapter: adapter, Opts: opts})
		c.mu.Unlock()
		return err
	}
	h, ok := c.handles[agentID]
	if !ok {
		h = &mockHandle{
			id:        agentID,
			createdAt: time.Now().UTC(),
			coord:     c,
			status:    StatusRunning,
		}
		c.handles[agentID] = h
	}
	h.setStatus(StatusRunning)
	if adapter != nil {
		c.adapters[agentID] = adapter
	}
	c.continueCalls = append(c.continueCalls, ContinueCall{AgentID: agentID, Input: input, Adapter: adapter, Opts: opts})
	c.mu.Unlock()

	go c.runTurn(h, input)
	return nil
}

// Get returns the handle for agentID, or nil.
func (c *MockCoordinator) Get(agentID string) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[agentID]
	if !ok {
		return nil
	}
	return h
}

// GetAdapter returns the adapter for agentID, or nil.
func (c *MockCoordinator) GetAdapter(agentID string) Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapters[agentID]
}

// List returns every live handle.
func (c *MockCoordinator) List() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Handle, 0, len(c.handles))
	for _, h := range c.handles {
		result = append(result, h)
	}
	return result
}

// ListCheckpoints returns the ids of sessions with checkpoints.
func (c *MockCoordinator) ListCheckpoints(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.checkpoints))
	for id := range c.checkpoints {
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadCheckpoint returns the checkpoint for agentID, or nil when absent.
func (c *MockCoordinator) LoadCheckpoint(_ context.Context, agentID string) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints[agentID], nil
}

// PutCheckpoint installs a checkpoint, used by tests to simulate a
// previous daemon run.
func (c *MockCoordinator) PutCheckpoint(cp *Checkpoint) {
	c.mu.Lock()
	c.checkpoints[cp.AgentID] = cp
	c.mu.Unlock()
}

// Forget drops a live handle without touching checkpoints, simulating a
// coordinator that restarted.
func (c *MockCoordinator) Forget(agentID string) {
	c.mu.Lock()
	delete(c.handles, agentID)
	delete(c.adapters, agentID)
	c.mu.Unlock()
}

// SetStatus overrides a handle's status, used by tests.
func (c *MockCoordinator) SetStatus(agentID string, status Status) {
	c.mu.Lock()
	h := c.handles[agentID]
	c.mu.Unlock()
	if h != nil {
		h.setStatus(status)
	}
}

// Subscribe registers an event handler.
func (c *MockCoordinator) Subscribe(handler func(*Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Shutdown checkpoints and completes every live session.
func (c *MockCoordinator) Shutdown(ctx context.Context, _ ShutdownOptions) error {
	c.mu.Lock()
	handles := make([]*mockHandle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		cp, err := h.Snapshot(ctx)
		if err == nil {
			c.PutCheckpoint(cp)
		}
		h.setStatus(StatusCompleted)
	}
	return nil
}

// Emit delivers an event to all subscribers, used by tests to script
// coordinator behavior directly.
func (c *MockCoordinator) Emit(ev *Event) {
	c.emit(ev)
}

func (c *MockCoordinator) emit(ev *Event) {
	c.mu.Lock()
	subs := make([]func(*Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// SpawnCalls returns recorded Spawn invocations.
func (c *MockCoordinator) SpawnCalls() []SpawnCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SpawnCall(nil), c.spawnCalls...)
}

// ContinueCalls returns recorded Continue invocations.
func (c *MockCoordinator) ContinueCalls() []ContinueCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ContinueCall(nil), c.continueCalls...)
}

// SendCalls returns recorded Send invocations.
func (c *MockCoordinator) SendCalls() []SendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SendCall(nil), c.sendCalls...)
}

// runTurn emits a minimal scripted turn for the given input.
func (c *MockCoordinator) runTurn(h *mockHandle, input *Input) {
	c.mu.Lock()
	silent := c.Silent
	reply := c.RespondWith
	c.mu.Unlock()
	if silent {
		return
	}

	h.setStatus(StatusRunning)
	c.emit(&Event{Type: EventAgentEvent, AgentID: h.id, Agent: &AgentEvent{
		Type: AgentEventStatus, Status: StatusRunning,
	}})

	if reply == "" {
		msg := ""
		if input != nil {
			msg = input.Message
		}
		reply = fmt.Sprintf("ack: %s", msg)
	}
	c.emit(&Event{Type: EventAgentEvent, AgentID: h.id, Agent: &AgentEvent{
		Type: AgentEventOutput, Output: &Output{Text: reply, Final: true},
	}})
	c.emit(&Event{Type: EventAgentEvent, AgentID: h.id, Agent: &AgentEvent{
		Type: AgentEventDone, Result: &Result{Output: reply},
	}})

	h.setStatus(StatusCompleted)
	c.emit(&Event{Type: EventAgentDone, AgentID: h.id, Result: &Result{Output: reply}})
}
