package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/events/bus"
	"github.com/roostlabs/roostd/internal/lastactive"
)

type captureChannel struct {
	id string

	mu      sync.Mutex
	intents []*channel.Intent
}

func (c *captureChannel) ID() string                       { return c.id }
func (c *captureChannel) Connect(context.Context) error    { return nil }
func (c *captureChannel) Disconnect(context.Context) error { return nil }
func (c *captureChannel) RegisterCommands(context.Context, []channel.CommandSpec) error {
	return nil
}

func (c *captureChannel) Process(_ context.Context, intent *channel.Intent) error {
	c.mu.Lock()
	c.intents = append(c.intents, intent)
	c.mu.Unlock()
	return nil
}

func (c *captureChannel) Intents() []*channel.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*channel.Intent(nil), c.intents...)
}

type fixture struct {
	coord   *agent.MockCoordinator
	tracker *lastactive.Tracker
	ch      *captureChannel
	cfg     Config
}

func newFixture(t *testing.T, responseTo string) *fixture {
	t.Helper()
	log := logger.Default()
	coord := agent.NewMockCoordinator()
	coord.Silent = true
	registry := channel.NewRegistry(bus.NewMemoryBus(log), log)
	ch := &captureChannel{id: "tg1"}
	registry.Register(ch)
	tracker := lastactive.NewTracker(t.TempDir()+"/last-active.json", log)

	return &fixture{
		coord:   coord,
		tracker: tracker,
		ch:      ch,
		cfg: Config{
			ResponseTo:      responseTo,
			ResponseTimeout: 2 * time.Second,
			Destinations: map[string]channel.Destination{
				"owner": {ChannelID: "tg1", Ref: "u9"},
			},
		},
	}
}

func (f *fixture) job(t *testing.T) *Job {
	t.Helper()
	factory := func(_ context.Context, _ string) (agent.Adapter, error) {
		return agent.NewMockAdapter("mock/test"), nil
	}
	registry := channel.NewRegistry(bus.NewMemoryBus(logger.Default()), logger.Default())
	registry.Register(f.ch)
	return NewJob(f.coord, registry, f.tracker, factory, f.cfg, logger.Default())
}

// script waits for the pulse agent to spawn, then emits the given output
// followed by the turn's end.
func (f *fixture) script(t *testing.T, output string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			handles := f.coord.List()
			if len(handles) == 1 {
				id := handles[0].ID()
				if output != "" {
					f.coord.Emit(&agent.Event{Type: agent.EventAgentEvent, AgentID: id,
						Agent: &agent.AgentEvent{Type: agent.AgentEventOutput,
							Output: &agent.Output{Text: output, Final: true}}})
				}
				f.coord.Emit(&agent.Event{Type: agent.EventAgentDone, AgentID: id,
					Result: &agent.Result{Output: output}})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestPulseDeliversToConfiguredDestination(t *testing.T) {
	f := newFixture(t, "owner")
	f.script(t, "reminder: standup in 10 minutes")

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Resolution != ResolutionConfigured {
		t.Fatalf("resolution = %s", result.Resolution)
	}
	if result.Suppressed || !result.Delivered {
		t.Fatalf("result = %+v", result)
	}

	intents := f.ch.Intents()
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	if intents[0].Type != channel.IntentResponding || intents[0].Destination.Ref != "u9" {
		t.Fatalf("intent = %+v", intents[0])
	}

	spawns := f.coord.SpawnCalls()
	if len(spawns) != 1 {
		t.Fatalf("spawns = %d, want 1", len(spawns))
	}
	cfg := spawns[0].Config
	if len(cfg.Tags) != 2 || cfg.Tags[0] != "pulse" || cfg.Tags[1] != "scheduled" {
		t.Fatalf("tags = %v", cfg.Tags)
	}
	if cfg.Metadata["isPulse"] != true || cfg.Metadata["hasResponseDestination"] != true {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}
}

func TestPulseRestMarkerSuppressesOutput(t *testing.T) {
	for _, marker := range []string{"<rest />", "<rest/>", "<rest>", "  <rest />  "} {
		f := newFixture(t, "owner")
		f.script(t, marker)

		result, err := f.job(t).Run(context.Background())
		if err != nil {
			t.Fatalf("Run(%q): %v", marker, err)
		}
		if !result.Suppressed {
			t.Fatalf("output %q should be suppressed", marker)
		}
		if result.Delivered || len(f.ch.Intents()) != 0 {
			t.Fatalf("suppressed pulse must emit no intents, got %d", len(f.ch.Intents()))
		}
	}
}

func TestPulseLastActiveRouting(t *testing.T) {
	f := newFixture(t, "lastActive")
	f.tracker.Update(channel.Destination{ChannelID: "tg1", Ref: "u1"})
	f.script(t, "hello again")

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Resolution != ResolutionLastActive || !result.Delivered {
		t.Fatalf("result = %+v", result)
	}
	if f.ch.Intents()[0].Destination.Ref != "u1" {
		t.Fatalf("destination = %s", f.ch.Intents()[0].Destination)
	}
}

func TestPulseSilentWhenLastActiveUnset(t *testing.T) {
	f := newFixture(t, "lastActive")
	f.script(t, "unrouteable")

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Resolution != ResolutionSilent || result.Delivered {
		t.Fatalf("result = %+v", result)
	}
	if len(f.ch.Intents()) != 0 {
		t.Fatal("silent pulse must emit no intents")
	}
}

func TestPulseUnknownDestinationIsSilent(t *testing.T) {
	f := newFixture(t, "no-such-name")
	f.script(t, "orphaned")

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Resolution != ResolutionSilent || result.Delivered {
		t.Fatalf("result = %+v", result)
	}
}

func TestPulseTimeoutResolvesWithBuffer(t *testing.T) {
	f := newFixture(t, "owner")
	f.cfg.ResponseTimeout = 100 * time.Millisecond

	// Emit a partial output and then nothing: the collector must give up
	// at the timeout and deliver what it has.
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			handles := f.coord.List()
			if len(handles) == 1 {
				f.coord.Emit(&agent.Event{Type: agent.EventAgentEvent, AgentID: handles[0].ID(),
					Agent: &agent.AgentEvent{Type: agent.AgentEventOutput,
						Output: &agent.Output{Text: "partial answer"}}})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "partial answer" || !result.Delivered {
		t.Fatalf("result = %+v", result)
	}
}

func TestPulseFatalErrorYieldsNoResponse(t *testing.T) {
	f := newFixture(t, "owner")
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			handles := f.coord.List()
			if len(handles) == 1 {
				f.coord.Emit(&agent.Event{Type: agent.EventAgentEvent, AgentID: handles[0].ID(),
					Agent: &agent.AgentEvent{Type: agent.AgentEventError,
						Err: &agent.ErrorInfo{Message: "model unavailable", Fatal: true}}})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.job(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "" || result.Delivered {
		t.Fatalf("result = %+v", result)
	}
}

func TestPulseNeverTouchesLastActive(t *testing.T) {
	f := newFixture(t, "lastActive")
	before := channel.Destination{ChannelID: "tg1", Ref: "u1"}
	f.tracker.Update(before)
	f.script(t, "news digest")

	if _, err := f.job(t).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, ok := f.tracker.Get()
	if !ok || rec.Destination.Key() != before.Key() {
		t.Fatalf("last-active changed to %+v", rec)
	}
}
