// Package events defines the subjects used on the internal event bus.
package events

// Bus subjects. Dot-separated, NATS-style; subscribers may use the
// wildcards "*" (one token) and ">" (rest).
const (
	// ChannelInbound carries a channel.InboundEnvelope from a channel
	// adapter into the router.
	ChannelInbound = "channel.inbound"

	// ChannelConnected / ChannelDisconnected mirror channel lifecycle
	// for the subscribe.channels RPC topic.
	ChannelConnected    = "channel.connected"
	ChannelDisconnected = "channel.disconnected"

	// AgentSpawned / AgentEvent / AgentDone mirror coordinator events
	// for the subscribe.agents and subscribe.agent.output RPC topics.
	AgentSpawned = "agent.spawned"
	AgentEvent   = "agent.event"
	AgentDone    = "agent.done"

	// LogEntry carries structured log records for subscribe.logs.
	LogEntry = "log.entry"
)
