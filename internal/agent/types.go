// Package agent defines the contracts between the daemon and the
// coordinator that owns agent sessions. The daemon never executes agents
// itself; it spawns, continues, and observes them through these interfaces.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Input is one message delivered to an agent.
type Input struct {
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// SpawnConfig carries per-session configuration handed to the coordinator
// at spawn time.
type SpawnConfig struct {
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	GuidancePath string                 `json:"guidancePath,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
	InitialInput *Input                 `json:"initialInput,omitempty"`
}

// AdapterInfo identifies a model adapter and its configuration, recorded
// into checkpoints so a session can be resumed with the same model.
type AdapterInfo struct {
	Provider string                 `json:"provider"`
	Model    string                 `json:"model"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Adapter is an opaque model adapter created by a ModelFactory. The daemon
// only threads it through to the coordinator.
type Adapter interface {
	Info() AdapterInfo
}

// Model can create adapters for agent sessions.
type Model interface {
	Identifier() string // "provider/model-name"
	CreateAdapter(ctx context.Context, sessionID string) (Adapter, error)
}

// ModelFactory resolves model identifiers of the form "provider/model-name".
type ModelFactory interface {
	Lookup(identifier string) (Model, error)
}

// AdapterFactory creates an adapter for a session id. The router uses it
// when spawning fresh agents and when resuming from checkpoints.
type AdapterFactory func(ctx context.Context, sessionID string) (Adapter, error)

// Checkpoint is the persisted state the coordinator needs to reconstruct
// a session after restart. Guidance, message history, and tool history are
// opaque to the daemon.
type Checkpoint struct {
	AgentID     string          `json:"agentId"`
	Timestamp   time.Time       `json:"timestamp"`
	Adapter     AdapterInfo     `json:"adapter"`
	Guidance    json.RawMessage `json:"guidance,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	ToolHistory json.RawMessage `json:"toolHistory,omitempty"`
}

// Handle is a live agent session.
type Handle interface {
	ID() string
	Status() Status
	Config() SpawnConfig
	CreatedAt() time.Time

	// Start begins execution. Spawn may or may not start the session
	// depending on coordinator policy; the pulse job starts explicitly.
	Start(ctx context.Context) error
	Send(ctx context.Context, input *Input) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Terminate(ctx context.Context) error
	Snapshot(ctx context.Context) (*Checkpoint, error)
}

// ContinueOptions tune a continue call.
type ContinueOptions struct {
	Tools []string
}

// ShutdownOptions tune a coordinator shutdown.
type ShutdownOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// Coordinator owns agent sessions. Implementations must be safe for
// concurrent use.
type Coordinator interface {
	Start(ctx context.Context) error

	Spawn(ctx context.Context, adapter Adapter, cfg SpawnConfig) (Handle, error)
	Continue(ctx context.Context, agentID string, input *Input, adapter Adapter, opts *ContinueOptions) error

	// Get returns nil when the coordinator does not know the session,
	// which after a restart means the session must be restored from a
	// checkpoint or respawned.
	Get(agentID string) Handle
	GetAdapter(agentID string) Adapter
	List() []Handle

	ListCheckpoints(ctx context.Context) ([]string, error)
	LoadCheckpoint(ctx context.Context, agentID string) (*Checkpoint, error)

	// Subscribe registers an event handler and returns its disposer.
	Subscribe(handler func(*Event)) func()

	Shutdown(ctx context.Context, opts ShutdownOptions) error
}
