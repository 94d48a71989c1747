package rpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/events"
	"github.com/roostlabs/roostd/internal/events/bus"
)

// Notifier feeds subscription topics: coordinator events into "agents"
// and "agent.output", channel lifecycle into "channels".
type Notifier struct {
	subs        *SubscriptionManager
	coordinator agent.Coordinator
	bus         bus.Bus
	logger      *logger.Logger

	unsubCoord func()
	busSubs    []bus.Subscription
}

// NewNotifier creates a Notifier. Call Start once the RPC server is up.
func NewNotifier(subs *SubscriptionManager, coordinator agent.Coordinator, b bus.Bus, log *logger.Logger) *Notifier {
	return &Notifier{
		subs:        subs,
		coordinator: coordinator,
		bus:         b,
		logger:      log.WithFields(zap.String("component", "rpc_notifier")),
	}
}

// Start wires the event sources to the subscription manager.
func (n *Notifier) Start() error {
	n.unsubCoord = n.coordinator.Subscribe(n.handleAgentEvent)

	for _, subject := range []string{events.ChannelConnected, events.ChannelDisconnected} {
		sub, err := n.bus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			info, ok := ev.Payload.(channel.Info)
			if !ok {
				return fmt.Errorf("unexpected channel event payload %T", ev.Payload)
			}
			n.subs.Notify(TopicChannels, map[string]interface{}{
				"channelId": info.ID,
				"connected": info.Connected,
			}, nil)
			return nil
		})
		if err != nil {
			return err
		}
		n.busSubs = append(n.busSubs, sub)
	}
	return nil
}

// Stop disposes all source subscriptions.
func (n *Notifier) Stop() {
	if n.unsubCoord != nil {
		n.unsubCoord()
		n.unsubCoord = nil
	}
	for _, sub := range n.busSubs {
		_ = sub.Unsubscribe()
	}
	n.busSubs = nil
}

func (n *Notifier) handleAgentEvent(ev *agent.Event) {
	switch ev.Type {
	case agent.EventAgentSpawned:
		n.subs.Notify(TopicAgents, map[string]interface{}{
			"type":    "spawned",
			"agentId": ev.AgentID,
		}, nil)
	case agent.EventAgentDone:
		payload := map[string]interface{}{
			"type":    "done",
			"agentId": ev.AgentID,
		}
		if ev.Result != nil {
			payload["output"] = ev.Result.Output
		}
		n.subs.Notify(TopicAgents, payload, nil)
	case agent.EventAgentEvent:
		if ev.Agent == nil || ev.Agent.Type != agent.AgentEventOutput || ev.Agent.Output == nil {
			return
		}
		agentID := ev.AgentID
		n.subs.Notify(TopicAgentOutput, map[string]interface{}{
			"agentId": agentID,
			"text":    ev.Agent.Output.Text,
			"final":   ev.Agent.Output.Final,
		}, func(sub *Subscription) bool {
			want, _ := sub.Filter["id"].(string)
			return want == "" || want == agentID
		})
	}
}

// logLevelRank orders levels for the logs topic filter. Unknown levels
// rank as info.
func logLevelRank(level string) int {
	switch level {
	case "trace":
		return -1
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	}
	return 1
}

// LogEntry is the payload delivered on the logs topic.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifyLog fans a log entry to logs subscribers at or below its level.
func (n *Notifier) NotifyLog(entry LogEntry) {
	rank := logLevelRank(entry.Level)
	n.subs.Notify(TopicLogs, entry, func(sub *Subscription) bool {
		min, _ := sub.Filter["level"].(string)
		return min == "" || rank >= logLevelRank(min)
	})
}
