// Package pulse implements the scheduled unprompted agent turn: spawn an
// agent, collect its final response, and deliver it to a resolved
// destination unless the agent asked to rest.
package pulse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/lastactive"
)

// restMarker matches the literal rest tag in agent output. A matching
// response is suppressed entirely.
var restMarker = regexp.MustCompile(`<rest\s*/?>`)

// defaultResponseTimeout bounds how long one pulse waits for its agent.
const defaultResponseTimeout = 10 * time.Minute

// initialPrompt is the fixed input every pulse turn starts from.
const initialPrompt = "This is a scheduled pulse. Review your PULSE guidance and act on " +
	"anything that needs attention. If nothing needs attention, respond with <rest />."

// Resolution records how the response destination was chosen.
type Resolution string

const (
	ResolutionSilent     Resolution = "silent"
	ResolutionLastActive Resolution = "lastActive"
	ResolutionConfigured Resolution = "configured"
)

// Config tunes the pulse job.
type Config struct {
	// ResponseTo selects where pulse output goes: empty for silent,
	// "lastActive" to follow the user, or a named destination.
	ResponseTo   string
	PromptPath   string
	GuidancePath string
	Tools        []string

	// Destinations are the named destinations from daemon config.
	Destinations map[string]channel.Destination

	// ResponseTimeout defaults to ten minutes.
	ResponseTimeout time.Duration
}

// Result describes one completed pulse run.
type Result struct {
	Destination *channel.Destination
	Resolution  Resolution
	Response    string
	Suppressed  bool
	Delivered   bool
}

// Job is the built-in scheduled job. It spawns its own agents and never
// touches conversation bindings or the last-active tracker.
type Job struct {
	coordinator    agent.Coordinator
	channels       *channel.Registry
	lastActive     *lastactive.Tracker
	adapterFactory agent.AdapterFactory
	cfg            Config
	logger         *logger.Logger
}

// NewJob creates the pulse job. lastActive may be nil when "lastActive"
// routing is not configured.
func NewJob(
	coordinator agent.Coordinator,
	channels *channel.Registry,
	lastActive *lastactive.Tracker,
	adapterFactory agent.AdapterFactory,
	cfg Config,
	log *logger.Logger,
) *Job {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	return &Job{
		coordinator:    coordinator,
		channels:       channels,
		lastActive:     lastActive,
		adapterFactory: adapterFactory,
		cfg:            cfg,
		logger:         log.WithFields(zap.String("component", "pulse")),
	}
}

// Name implements scheduler.Job.
func (j *Job) Name() string { return "pulse" }

// Execute implements scheduler.Job.
func (j *Job) Execute(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

// Run performs one pulse: resolve destination, spawn, collect, deliver.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	dest, resolution := j.resolveDestination()
	result := &Result{Destination: dest, Resolution: resolution}

	// Subscribing before the spawn guarantees the collector sees every
	// event, even from an agent that finishes immediately.
	events := make(chan *agent.Event, 256)
	unsubscribe := j.coordinator.Subscribe(func(ev *agent.Event) {
		select {
		case events <- ev:
		default:
			j.logger.Warn("pulse event buffer full, dropping event",
				zap.String("agent_id", ev.AgentID))
		}
	})
	defer unsubscribe()

	agentID, err := j.spawn(ctx, dest != nil)
	if err != nil {
		return nil, err
	}
	j.logger.Info("pulse agent spawned",
		zap.String("agent_id", agentID),
		zap.String("resolution", string(resolution)))

	response := j.collect(ctx, agentID, events)
	result.Response = response

	trimmed := strings.TrimSpace(response)
	if restMarker.MatchString(trimmed) {
		result.Suppressed = true
		j.logger.Info("pulse output suppressed by rest marker",
			zap.String("agent_id", agentID))
		return result, nil
	}
	if dest == nil || trimmed == "" {
		return result, nil
	}

	intent := &channel.Intent{
		Type:        channel.IntentResponding,
		Destination: *dest,
		Text:        trimmed,
		Metadata:    map[string]interface{}{"conversationType": "pulse"},
	}
	if err := j.channels.Process(ctx, dest.ChannelID, intent); err != nil {
		j.logger.Error("pulse delivery failed",
			zap.String("channel_id", dest.ChannelID), zap.Error(err))
		return result, nil
	}
	result.Delivered = true
	return result, nil
}

// resolveDestination applies the responseTo policy.
func (j *Job) resolveDestination() (*channel.Destination, Resolution) {
	switch j.cfg.ResponseTo {
	case "":
		return nil, ResolutionSilent
	case "lastActive":
		if j.lastActive != nil {
			if rec, ok := j.lastActive.Get(); ok {
				d := rec.Destination
				return &d, ResolutionLastActive
			}
		}
		return nil, ResolutionSilent
	default:
		if d, ok := j.cfg.Destinations[j.cfg.ResponseTo]; ok {
			return &d, ResolutionConfigured
		}
		j.logger.Warn("unknown pulse destination, staying silent",
			zap.String("response_to", j.cfg.ResponseTo))
		return nil, ResolutionSilent
	}
}

// spawn creates and starts the pulse agent.
func (j *Job) spawn(ctx context.Context, hasDestination bool) (string, error) {
	adapter, err := j.adapterFactory(ctx, uuid.New().String())
	if err != nil {
		return "", fmt.Errorf("pulse adapter creation failed: %w", err)
	}

	metadata := map[string]interface{}{
		"isPulse":                true,
		"hasResponseDestination": hasDestination,
	}
	if j.cfg.PromptPath != "" {
		metadata["pulsePromptPath"] = j.cfg.PromptPath
	}
	cfg := agent.SpawnConfig{
		Tags:         []string{"pulse", "scheduled"},
		Metadata:     metadata,
		GuidancePath: j.cfg.GuidancePath,
		Tools:        j.cfg.Tools,
		InitialInput: &agent.Input{Message: initialPrompt},
	}

	handle, err := j.coordinator.Spawn(ctx, adapter, cfg)
	if err != nil {
		return "", fmt.Errorf("pulse spawn failed: %w", err)
	}
	if err := handle.Start(ctx); err != nil {
		return "", fmt.Errorf("pulse start failed: %w", err)
	}
	return handle.ID(), nil
}

// collect accumulates output text for the spawned agent until the turn
// ends, a fatal error occurs, or the response timeout fires.
func (j *Job) collect(ctx context.Context, agentID string, events <-chan *agent.Event) string {
	var buf strings.Builder
	timeout := time.NewTimer(j.cfg.ResponseTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev := <-events:
			if ev.AgentID != agentID {
				continue
			}
			switch ev.Type {
			case agent.EventAgentDone:
				return buf.String()
			case agent.EventAgentEvent:
				if ev.Agent == nil {
					continue
				}
				switch ev.Agent.Type {
				case agent.AgentEventOutput:
					if ev.Agent.Output != nil {
						buf.WriteString(ev.Agent.Output.Text)
					}
				case agent.AgentEventDone:
					return buf.String()
				case agent.AgentEventError:
					if ev.Agent.Err != nil && ev.Agent.Err.Fatal {
						j.logger.Warn("pulse agent failed",
							zap.String("agent_id", agentID),
							zap.String("error", ev.Agent.Err.Message))
						return ""
					}
				}
			}
		case <-timeout.C:
			j.logger.Warn("pulse response timed out",
				zap.String("agent_id", agentID),
				zap.Duration("timeout", j.cfg.ResponseTimeout))
			return buf.String()
		case <-ctx.Done():
			return buf.String()
		}
	}
}
