// Package daemon composes the roost subsystems into one controller: it
// orders boot, registers the prioritized shutdown handlers, and answers
// the daemon.* RPC methods.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/channel/devws"
	"github.com/roostlabs/roostd/internal/common/config"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/conversation"
	"github.com/roostlabs/roostd/internal/debug"
	"github.com/roostlabs/roostd/internal/events/bus"
	"github.com/roostlabs/roostd/internal/history"
	"github.com/roostlabs/roostd/internal/lastactive"
	"github.com/roostlabs/roostd/internal/pulse"
	"github.com/roostlabs/roostd/internal/router"
	"github.com/roostlabs/roostd/internal/rpc"
	"github.com/roostlabs/roostd/internal/scheduler"
	"github.com/roostlabs/roostd/internal/shutdown"
	"github.com/roostlabs/roostd/internal/transport"
)

// State is the controller lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Coordinator shutdown budgets, passed through to the agent runtime.
const (
	gracefulCoordinatorTimeout = 30 * time.Second
	hardCoordinatorTimeout     = 5 * time.Second
)

// defaultCommands is advertised to every channel at boot, best-effort.
var defaultCommands = []channel.CommandSpec{
	{Name: "start", Description: "Start a conversation with the agent"},
}

// Options carries the external collaborators the controller composes.
type Options struct {
	Config       *config.Config
	Coordinator  agent.Coordinator
	ModelFactory agent.ModelFactory
	Logger       *logger.Logger

	// LogCore, when set, mirrors log entries to subscribe.logs clients.
	// It must already be attached to Logger via NewLoggerWithCores.
	LogCore *rpc.LogCore

	// Version is surfaced in daemon.status.
	Version string
}

// Controller owns the daemon lifecycle.
type Controller struct {
	cfg          *config.Config
	coordinator  agent.Coordinator
	modelFactory agent.ModelFactory
	logger       *logger.Logger
	logCore      *rpc.LogCore
	version      string

	mu        sync.Mutex
	state     State
	startedAt time.Time

	bus           *bus.MemoryBus
	natsMirror    *bus.NATSMirror
	channels      *channel.Registry
	conversations *conversation.Manager
	lastActive    *lastactive.Tracker
	historyStore  *history.Store
	router        *router.Router
	sched         *scheduler.Scheduler
	shutdownMgr   *shutdown.Manager
	rpcServer     *rpc.Server
	notifier      *rpc.Notifier
	debugServer   *debug.Server

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a stopped Controller.
func New(opts Options) *Controller {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Controller{
		cfg:          opts.Config,
		coordinator:  opts.Coordinator,
		modelFactory: opts.ModelFactory,
		logger:       opts.Logger.WithFields(zap.String("component", "daemon")),
		logCore:      opts.LogCore,
		version:      version,
		state:        StateStopped,
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once a requested shutdown has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// adapterFactory resolves the configured default model for router and
// pulse spawns.
func (c *Controller) adapterFactory(ctx context.Context, sessionID string) (agent.Adapter, error) {
	model := c.cfg.Agent.Model
	if model == "" {
		return nil, fmt.Errorf("agent.model is not configured")
	}
	m, err := c.modelFactory.Lookup(model)
	if err != nil {
		return nil, fmt.Errorf("lookup model %q: %w", model, err)
	}
	return m.CreateAdapter(ctx, sessionID)
}

// Start boots every subsystem in order. A failure before the RPC server
// is up tears partial state down, reverts to stopped, and returns the
// error. Channel connect failures after that point do not abort boot.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start daemon from state %q", state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	if err := c.boot(ctx); err != nil {
		c.abortBoot(ctx)
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Info("daemon running",
		zap.String("socket", c.cfg.Socket),
		zap.String("version", c.version))

	c.connectChannels(ctx)
	return nil
}

func (c *Controller) boot(ctx context.Context) error {
	c.bus = bus.NewMemoryBus(c.logger)

	// The NATS mirror is an optional observer; its absence never blocks
	// the daemon.
	if c.cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(bus.NATSMirrorConfig{
			URL:           c.cfg.NATS.URL,
			ClientID:      c.cfg.NATS.ClientID,
			MaxReconnects: c.cfg.NATS.MaxReconnects,
		}, c.logger)
		if err != nil {
			c.logger.Warn("nats mirror unavailable, continuing without it", zap.Error(err))
		} else if err := mirror.Attach(c.bus); err != nil {
			c.logger.Warn("nats mirror attach failed, continuing without it", zap.Error(err))
			mirror.Close()
		} else {
			c.natsMirror = mirror
		}
	}

	c.channels = channel.NewRegistry(c.bus, c.logger)
	for _, chCfg := range c.cfg.Channels {
		switch chCfg.Type {
		case "devws":
			c.channels.Register(devws.New(devws.Config{
				ChannelID: chCfg.ID,
				Addr:      chCfg.Listen,
			}, c.channels, c.logger))
		default:
			return fmt.Errorf("unsupported channel type %q for channel %q", chCfg.Type, chCfg.ID)
		}
	}

	dataDir := c.cfg.Data.Dir
	c.conversations = conversation.NewManager(
		conversation.NewStore(filepath.Join(dataDir, "conversations.json"), c.logger), c.logger)
	c.lastActive = lastactive.NewTracker(filepath.Join(dataDir, "last-active.json"), c.logger)

	if c.cfg.History.Enabled {
		store, err := history.Open(c.cfg.HistoryPath(), c.logger)
		if err != nil {
			c.logger.Warn("history store unavailable, continuing without it", zap.Error(err))
		} else {
			c.historyStore = store
		}
	}

	var recorder router.HistoryRecorder
	if c.historyStore != nil {
		recorder = c.historyStore
	}
	c.router = router.NewRouter(
		c.coordinator, c.conversations, c.channels, c.lastActive,
		c.adapterFactory, recorder,
		router.Config{
			GuidancePath: c.cfg.Agent.GuidancePath,
			Tools:        c.cfg.Agent.Tools,
		}, c.logger)

	// Boot order: coordinator, conversations, router, last-active,
	// scheduler, shutdown handlers, RPC.
	if err := c.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("coordinator start: %w", err)
	}
	if err := c.conversations.Start(ctx); err != nil {
		return fmt.Errorf("conversation manager start: %w", err)
	}
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("router start: %w", err)
	}
	if err := c.lastActive.Start(ctx); err != nil {
		return fmt.Errorf("last-active tracker start: %w", err)
	}

	if c.cfg.Pulse.Enabled {
		sched, err := scheduler.New(c.logger)
		if err != nil {
			return fmt.Errorf("scheduler init: %w", err)
		}
		job := pulse.NewJob(c.coordinator, c.channels, c.lastActive,
			c.adapterFactory, pulse.Config{
				ResponseTo:   c.cfg.Pulse.ResponseTo,
				PromptPath:   c.cfg.Pulse.PromptPath,
				GuidancePath: c.cfg.Agent.GuidancePath,
				Tools:        c.cfg.Pulse.Tools,
				Destinations: c.namedDestinations(),
			}, c.logger)
		if err := sched.Register(job, c.cfg.Pulse.Schedule); err != nil {
			return fmt.Errorf("pulse schedule: %w", err)
		}
		sched.Start()
		c.sched = sched
	}

	c.shutdownMgr = shutdown.NewManager(c.cfg.Shutdown.HardTimeoutDuration(), c.logger)

	ts := transport.NewServer(c.cfg.Socket, c.logger)
	c.rpcServer = rpc.NewServer(ts, rpc.Deps{
		Coordinator:   c.coordinator,
		Channels:      c.channels,
		Conversations: c.conversations,
		Shutdown:      c.shutdownMgr,
		Config:        c.cfg,
		Daemon:        c,
		ModelFactory:  c.modelFactory,
		Tools:         c.cfg.Agent.Tools,
		History:       c.historyStore,
		Scheduler:     c.sched,
	}, c.logger)

	c.registerShutdownHandlers()

	if err := c.rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc server start: %w", err)
	}

	c.notifier = rpc.NewNotifier(c.rpcServer.Subscriptions(), c.coordinator, c.bus, c.logger)
	if err := c.notifier.Start(); err != nil {
		return fmt.Errorf("notifier start: %w", err)
	}
	if c.logCore != nil {
		c.logCore.Attach(c.notifier)
	}

	if c.cfg.Debug.Port > 0 {
		dbg := debug.NewServer(c.cfg.Debug.Port, c, c.logger)
		if err := dbg.Start(); err != nil {
			c.logger.Warn("debug server unavailable, continuing without it", zap.Error(err))
		} else {
			c.debugServer = dbg
		}
	}
	return nil
}

// namedDestinations converts configured destinations to channel form.
func (c *Controller) namedDestinations() map[string]channel.Destination {
	out := make(map[string]channel.Destination, len(c.cfg.Destinations))
	for name, d := range c.cfg.Destinations {
		out[name] = channel.Destination{ChannelID: d.Channel, Ref: d.Ref}
	}
	return out
}

// registerShutdownHandlers installs the teardown steps in priority order:
// stop accepting RPC, halt ticks, drop channels, detach the router,
// persist the last-active record, shut the coordinator down, persist
// bindings.
func (c *Controller) registerShutdownHandlers() {
	c.shutdownMgr.Register("rpc-server", 0, func(context.Context, shutdown.Mode) error {
		return c.rpcServer.Stop()
	})
	if c.sched != nil {
		c.shutdownMgr.Register("scheduler", 5, func(context.Context, shutdown.Mode) error {
			return c.sched.Stop()
		})
	}
	c.shutdownMgr.Register("channels", 10, func(ctx context.Context, _ shutdown.Mode) error {
		c.channels.DisconnectAll(ctx)
		return nil
	})
	c.shutdownMgr.Register("message-router", 20, func(ctx context.Context, _ shutdown.Mode) error {
		return c.router.Stop(ctx)
	})
	c.shutdownMgr.Register("last-active-tracker", 25, func(ctx context.Context, _ shutdown.Mode) error {
		return c.lastActive.Stop(ctx)
	})
	c.shutdownMgr.Register("coordinator", 30, func(ctx context.Context, mode shutdown.Mode) error {
		graceful := mode == shutdown.ModeGraceful
		timeout := hardCoordinatorTimeout
		if graceful {
			timeout = gracefulCoordinatorTimeout
		}
		return c.coordinator.Shutdown(ctx, agent.ShutdownOptions{
			Graceful: graceful,
			Timeout:  timeout,
		})
	})
	c.shutdownMgr.Register("conversation-manager", 40, func(ctx context.Context, _ shutdown.Mode) error {
		return c.conversations.Stop(ctx)
	})
}

// connectChannels connects every registered channel in sequence. Per
// channel: connect, then best-effort slash command registration. A
// failure is logged and boot continues.
func (c *Controller) connectChannels(ctx context.Context) {
	for _, info := range c.channels.List() {
		if err := c.channels.Connect(ctx, info.ID); err != nil {
			c.logger.Warn("channel connect failed",
				zap.String("channel_id", info.ID), zap.Error(err))
			continue
		}
		ch, _ := c.channels.Get(info.ID)
		if err := ch.RegisterCommands(ctx, defaultCommands); err != nil {
			c.logger.Warn("command registration failed",
				zap.String("channel_id", info.ID), zap.Error(err))
		}
	}
}

// Stop runs the prioritized shutdown sequence. Only a running daemon can
// be stopped.
func (c *Controller) Stop(ctx context.Context, mode shutdown.Mode) error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot stop daemon from state %q", state)
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.logger.Info("daemon stopping", zap.String("mode", string(mode)))
	c.shutdownMgr.Execute(ctx, mode)
	c.teardownPartial(ctx)

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("daemon stopped")
	return nil
}

// abortBoot undoes a failed boot best-effort, stopping whatever came up
// in reverse order.
func (c *Controller) abortBoot(ctx context.Context) {
	if c.rpcServer != nil {
		if err := c.rpcServer.Stop(); err != nil {
			c.logger.Warn("rpc server stop failed during boot abort", zap.Error(err))
		}
	}
	if c.sched != nil {
		if err := c.sched.Stop(); err != nil {
			c.logger.Warn("scheduler stop failed during boot abort", zap.Error(err))
		}
	}
	if c.router != nil {
		_ = c.router.Stop(ctx)
	}
	if c.lastActive != nil {
		_ = c.lastActive.Stop(ctx)
	}
	if c.conversations != nil {
		_ = c.conversations.Stop(ctx)
	}
	c.teardownPartial(ctx)
}

// teardownPartial releases resources outside the shutdown handler table.
// Safe on a half-booted controller; nil members are skipped.
func (c *Controller) teardownPartial(ctx context.Context) {
	if c.notifier != nil {
		c.notifier.Stop()
	}
	if c.debugServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.debugServer.Stop(shutdownCtx); err != nil {
			c.logger.Warn("debug server stop failed", zap.Error(err))
		}
		cancel()
	}
	if c.historyStore != nil {
		if err := c.historyStore.Close(); err != nil {
			c.logger.Warn("history store close failed", zap.Error(err))
		}
	}
	if c.natsMirror != nil {
		c.natsMirror.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
}

// Escalate abandons an in-flight graceful stop: the remaining shutdown
// groups run on the hard budget. A no-op before boot.
func (c *Controller) Escalate() {
	if c.shutdownMgr != nil {
		c.shutdownMgr.Escalate()
	}
}

// RequestShutdown implements rpc.DaemonControl. It runs the stop on its
// own goroutine so the RPC response can flush first, and closes Done when
// finished.
func (c *Controller) RequestShutdown(mode shutdown.Mode) {
	go func() {
		if err := c.Stop(context.Background(), mode); err != nil {
			c.logger.Warn("requested shutdown not performed", zap.Error(err))
			return
		}
		c.doneOnce.Do(func() { close(c.done) })
	}()
}

// Status implements rpc.DaemonControl with live counts.
func (c *Controller) Status() rpc.DaemonStatus {
	c.mu.Lock()
	state := c.state
	startedAt := c.startedAt
	c.mu.Unlock()

	var uptime int64
	if state == StateRunning && !startedAt.IsZero() {
		uptime = time.Since(startedAt).Milliseconds()
	}
	status := rpc.DaemonStatus{
		Status:   string(state),
		UptimeMs: uptime,
		Version:  c.version,
	}
	if c.coordinator != nil {
		status.AgentCount = len(c.coordinator.List())
	}
	if c.channels != nil {
		status.ChannelCount = len(c.channels.List())
	}
	if c.rpcServer != nil {
		status.ConnectionCount = c.rpcServer.ConnectionCount()
	}
	return status
}

// Reload implements rpc.DaemonControl. Live reload is not supported;
// the call is acknowledged and logged so clients can detect the no-op.
func (c *Controller) Reload() []string {
	c.logger.Info("reload requested, no reloadable subsystems")
	return []string{}
}

// DebugStatus implements debug.StatusProvider.
func (c *Controller) DebugStatus() map[string]interface{} {
	s := c.Status()
	out := map[string]interface{}{
		"status":          s.Status,
		"uptimeMs":        s.UptimeMs,
		"agentCount":      s.AgentCount,
		"channelCount":    s.ChannelCount,
		"connectionCount": s.ConnectionCount,
		"version":         s.Version,
	}
	if c.conversations != nil {
		out["conversations"] = map[string]interface{}{
			"total":  c.conversations.TotalCount(),
			"active": c.conversations.ActiveCount(),
		}
	}
	if c.sched != nil {
		if next, ok := c.sched.GetNextRun("pulse"); ok {
			out["nextPulse"] = next.UTC().Format(time.RFC3339)
		}
	}
	return out
}
