package agent

// EventType discriminates coordinator-level events.
type EventType string

const (
	EventAgentSpawned EventType = "agent_spawned"
	EventAgentEvent   EventType = "agent_event"
	EventAgentDone    EventType = "agent_done"
)

// Event is one coordinator event. AgentID is always set; Agent is set for
// agent_event, Result for agent_done.
type Event struct {
	Type    EventType
	AgentID string
	Agent   *AgentEvent
	Result  *Result
}

// AgentEventType discriminates events emitted by one running session.
type AgentEventType string

const (
	AgentEventStatus        AgentEventType = "status"
	AgentEventOutput        AgentEventType = "output"
	AgentEventToolStart     AgentEventType = "tool_start"
	AgentEventToolProgress  AgentEventType = "tool_progress"
	AgentEventToolEnd       AgentEventType = "tool_end"
	AgentEventThought       AgentEventType = "thought"
	AgentEventError         AgentEventType = "error"
	AgentEventDone          AgentEventType = "done"
	AgentEventSuspended     AgentEventType = "suspended"
	AgentEventMemoryUpdated AgentEventType = "memory_updated"
)

// AgentEvent is one event inside a session's turn. Exactly the field for
// its type is populated.
type AgentEvent struct {
	Type    AgentEventType
	Status  Status
	Output  *Output
	Tool    *ToolInfo
	Thought string
	Err     *ErrorInfo
	Result  *Result
}

// Output is a chunk of agent text. Final marks the end of a message;
// non-final chunks are streaming partials.
type Output struct {
	Text  string
	Final bool
}

// ToolInfo describes a tool invocation or its progress.
type ToolInfo struct {
	Name    string
	Input   map[string]interface{}
	Percent float64
	Message string
}

// ErrorInfo describes an agent error. Fatal errors end the turn.
type ErrorInfo struct {
	Message string
	Fatal   bool
}

// Result is the final product of a turn.
type Result struct {
	Output string
}
