// Package router is the central data-flow node of the daemon: inbound
// channel events become agent inputs, coordinator events become outbound
// channel intents.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/conversation"
	"github.com/roostlabs/roostd/internal/lastactive"
)

// HistoryRecorder records conversation traffic. Optional; a nil recorder
// disables history.
type HistoryRecorder interface {
	RecordInbound(ctx context.Context, dest channel.Destination, author, text string) error
	RecordResponse(ctx context.Context, dest channel.Destination, agentID, text string) error
}

// Config carries the defaults applied to router-spawned agents.
type Config struct {
	GuidancePath string
	Tools        []string
}

// Router wires channels to the coordinator. It owns no persistent state,
// only the two subscriptions it tears down on Stop.
type Router struct {
	coordinator    agent.Coordinator
	conversations  *conversation.Manager
	channels       *channel.Registry
	lastActive     *lastactive.Tracker
	adapterFactory agent.AdapterFactory
	history        HistoryRecorder
	cfg            Config
	logger         *logger.Logger

	mu            sync.Mutex
	started       bool
	unsubChannels func()
	unsubCoord    func()
}

// NewRouter creates a Router. lastActive and history may be nil.
func NewRouter(
	coordinator agent.Coordinator,
	conversations *conversation.Manager,
	channels *channel.Registry,
	lastActive *lastactive.Tracker,
	adapterFactory agent.AdapterFactory,
	history HistoryRecorder,
	cfg Config,
	log *logger.Logger,
) *Router {
	return &Router{
		coordinator:    coordinator,
		conversations:  conversations,
		channels:       channels,
		lastActive:     lastActive,
		adapterFactory: adapterFactory,
		history:        history,
		cfg:            cfg,
		logger:         log.WithFields(zap.String("component", "router")),
	}
}

// Start subscribes to channel inbound events and coordinator events.
// Calling Start on a started router warns and returns nil.
func (r *Router) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.logger.Warn("router already started")
		return nil
	}

	unsubChannels, err := r.channels.SubscribeInbound(func(channelID string, ev *channel.Inbound) {
		r.handleInbound(context.Background(), channelID, ev)
	})
	if err != nil {
		return err
	}
	r.unsubChannels = unsubChannels
	r.unsubCoord = r.coordinator.Subscribe(r.handleCoordinatorEvent)
	r.started = true
	r.logger.Info("router started")
	return nil
}

// Stop disposes both subscriptions. Idempotent with a warning.
func (r *Router) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.logger.Warn("router already stopped")
		return nil
	}
	if r.unsubChannels != nil {
		r.unsubChannels()
		r.unsubChannels = nil
	}
	if r.unsubCoord != nil {
		r.unsubCoord()
		r.unsubCoord = nil
	}
	r.started = false
	r.logger.Info("router stopped")
	return nil
}

// handleInbound is the inbound half: transform the event, find or create
// the binding, and spawn, continue, or send as the agent's state requires.
// Errors are logged, never propagated back to the channel.
func (r *Router) handleInbound(ctx context.Context, channelID string, ev *channel.Inbound) {
	input := transformInbound(ev)
	if input == nil {
		return
	}
	if r.lastActive != nil {
		r.lastActive.Update(ev.Origin)
	}
	if r.history != nil {
		if err := r.history.RecordInbound(ctx, ev.Origin, ev.Author, input.Message); err != nil {
			r.logger.Warn("failed to record inbound message", zap.Error(err))
		}
	}

	binding := r.conversations.GetOrCreate(ev.Origin)

	if binding.AgentID == "" {
		r.spawnAndBind(ctx, channelID, ev.Origin, input)
		return
	}

	handle := r.coordinator.Get(binding.AgentID)
	if handle == nil {
		r.tryRestoreFromCheckpoint(ctx, binding.AgentID, input, ev.Origin, channelID)
		return
	}

	if handle.Status() == agent.StatusCompleted {
		adapter := r.coordinator.GetAdapter(binding.AgentID)
		if adapter == nil {
			r.logger.Error("no adapter for completed agent, unbinding",
				zap.String("agent_id", binding.AgentID))
			r.conversations.Unbind(ev.Origin)
			return
		}
		opts := &agent.ContinueOptions{Tools: r.cfg.Tools}
		if err := r.coordinator.Continue(ctx, binding.AgentID, input, adapter, opts); err != nil {
			r.logger.Warn("continue failed, unbinding",
				zap.String("agent_id", binding.AgentID), zap.Error(err))
			r.conversations.Unbind(ev.Origin)
		}
		return
	}

	if err := handle.Send(ctx, input); err != nil {
		// The agent is still live; the next message may get through.
		r.logger.Error("failed to deliver input to running agent",
			zap.String("agent_id", binding.AgentID), zap.Error(err))
	}
}

// tryRestoreFromCheckpoint handles a binding whose agent the coordinator
// no longer knows, which happens after a daemon restart.
func (r *Router) tryRestoreFromCheckpoint(ctx context.Context, agentID string, input *agent.Input, dest channel.Destination, channelID string) {
	checkpoint, err := r.coordinator.LoadCheckpoint(ctx, agentID)
	if err != nil {
		r.logger.Warn("checkpoint load failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	if checkpoint == nil {
		r.conversations.Unbind(dest)
		r.spawnAndBind(ctx, channelID, dest, input)
		return
	}

	adapter, err := r.adapterFactory(ctx, agentID)
	if err == nil {
		err = r.coordinator.Continue(ctx, agentID, input, adapter, nil)
	}
	if err != nil {
		r.logger.Warn("checkpoint restore failed, spawning fresh",
			zap.String("agent_id", agentID), zap.Error(err))
		r.conversations.Unbind(dest)
		r.spawnAndBind(ctx, channelID, dest, input)
		return
	}
	r.logger.Info("agent restored from checkpoint", zap.String("agent_id", agentID))
}

// spawnAndBind spawns a fresh agent carrying input and binds it to dest.
func (r *Router) spawnAndBind(ctx context.Context, channelID string, dest channel.Destination, input *agent.Input) {
	// The temporary id lets the adapter factory resolve per-session
	// secrets before the coordinator assigns the real session id.
	tempID := uuid.New().String()
	adapter, err := r.adapterFactory(ctx, tempID)
	if err != nil {
		r.logger.Error("adapter creation failed", zap.Error(err))
		return
	}

	cfg := agent.SpawnConfig{
		Tags:         []string{"channel:" + channelID},
		Metadata:     map[string]interface{}{"channelId": channelID},
		GuidancePath: r.cfg.GuidancePath,
		Tools:        r.cfg.Tools,
		InitialInput: input,
	}
	handle, err := r.coordinator.Spawn(ctx, adapter, cfg)
	if err != nil {
		r.logger.Error("agent spawn failed",
			zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	r.conversations.Bind(dest, handle.ID())
	r.logger.Info("agent spawned for conversation",
		zap.String("agent_id", handle.ID()),
		zap.String("destination", dest.String()))
}

// handleCoordinatorEvent is the outbound half: agent events become
// channel intents addressed to the agent's bound destination.
func (r *Router) handleCoordinatorEvent(ev *agent.Event) {
	if ev.Type != agent.EventAgentEvent || ev.Agent == nil {
		// agent_spawned is handled by the spawn path; agent_done keeps
		// the binding so the conversation survives across turns.
		return
	}

	binding, ok := r.conversations.GetByAgent(ev.AgentID)
	if !ok {
		r.logger.Warn("agent event for unbound agent dropped",
			zap.String("agent_id", ev.AgentID))
		return
	}

	intent := transformAgentEvent(ev.Agent)
	if intent == nil {
		return
	}
	intent.Destination = binding.Destination
	if intent.Metadata == nil {
		intent.Metadata = make(map[string]interface{})
	}
	intent.Metadata["conversationType"] = "direct"

	ctx := context.Background()
	if r.history != nil && intent.Type == channel.IntentResponding {
		if err := r.history.RecordResponse(ctx, binding.Destination, ev.AgentID, intent.Text); err != nil {
			r.logger.Warn("failed to record agent response", zap.Error(err))
		}
	}
	if err := r.channels.Process(ctx, binding.Destination.ChannelID, intent); err != nil {
		r.logger.Error("outbound intent delivery failed",
			zap.String("channel_id", binding.Destination.ChannelID),
			zap.String("intent", string(intent.Type)),
			zap.Error(err))
	}
}

// transformInbound converts an inbound channel event into an agent input,
// or nil when the event produces none.
func transformInbound(ev *channel.Inbound) *agent.Input {
	switch ev.Type {
	case channel.InboundMessageReceived:
		text := extractText(ev.Message)
		if text == "" {
			return nil
		}
		return &agent.Input{Message: text}
	case channel.InboundCommandReceived:
		msg := "/" + ev.Command
		if ev.Args != "" {
			msg += " " + ev.Args
		}
		return &agent.Input{Message: strings.TrimSpace(msg)}
	case channel.InboundCallbackReceived:
		if ev.Callback == "" {
			return nil
		}
		return &agent.Input{Message: ev.Callback}
	case channel.InboundConversationStarted:
		return &agent.Input{Message: "/start"}
	default:
		// Edits, deletions, reactions, and membership changes carry no
		// agent input.
		return nil
	}
}

// extractText pulls the message text out of the content variant, or ""
// for content that has no textual rendering.
func extractText(content *channel.MessageContent) string {
	if content == nil {
		return ""
	}
	switch content.Type {
	case channel.ContentText:
		return content.Text
	case channel.ContentMedia:
		return content.Caption
	case channel.ContentContact:
		if content.Contact == nil {
			return ""
		}
		c := content.Contact
		name := c.FirstName
		if c.LastName != "" {
			name += " " + c.LastName
		}
		return "Contact: " + name + " (" + c.Phone + ")"
	case channel.ContentSticker:
		return content.Emoji
	default:
		return ""
	}
}

// transformAgentEvent maps one agent event to an outbound intent without a
// destination, or nil when nothing should be sent.
func transformAgentEvent(ev *agent.AgentEvent) *channel.Intent {
	switch ev.Type {
	case agent.AgentEventStatus:
		if ev.Status == agent.StatusRunning {
			return &channel.Intent{Type: channel.IntentThinking}
		}
		return nil
	case agent.AgentEventOutput:
		if ev.Output == nil {
			return nil
		}
		if !ev.Output.Final {
			return &channel.Intent{Type: channel.IntentStreaming, Partial: ev.Output.Text}
		}
		if ev.Output.Text == "" {
			// The done event carries the full body.
			return nil
		}
		return &channel.Intent{Type: channel.IntentResponding, Text: ev.Output.Text}
	case agent.AgentEventToolStart:
		if ev.Tool == nil {
			return nil
		}
		return &channel.Intent{
			Type: channel.IntentToolCall,
			Tool: &channel.ToolCall{Name: ev.Tool.Name, Input: ev.Tool.Input},
		}
	case agent.AgentEventToolProgress:
		if ev.Tool == nil {
			return nil
		}
		return &channel.Intent{
			Type:     channel.IntentToolProgress,
			Progress: &channel.ToolProgress{Percent: ev.Tool.Percent, Message: ev.Tool.Message},
		}
	case agent.AgentEventToolEnd, agent.AgentEventThought:
		// Keeps the typing indicator alive between tool calls.
		return &channel.Intent{Type: channel.IntentThinking}
	case agent.AgentEventError:
		if ev.Err == nil {
			return nil
		}
		return &channel.Intent{
			Type:  channel.IntentError,
			Error: &channel.ErrorDetail{Message: ev.Err.Message, Recoverable: !ev.Err.Fatal},
		}
	case agent.AgentEventDone:
		if ev.Result == nil || ev.Result.Output == "" {
			return nil
		}
		return &channel.Intent{Type: channel.IntentResponding, Text: ev.Result.Output}
	default:
		return nil
	}
}
