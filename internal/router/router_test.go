package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/conversation"
	"github.com/roostlabs/roostd/internal/events/bus"
	"github.com/roostlabs/roostd/internal/lastactive"
)

// captureChannel records outbound intents.
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
	router  *Router
	coord   *agent.MockCoordinator
	convs   *conversation.Manager
	tracker *lastactive.Tracker
	ch      *captureChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Default()
	coord := agent.NewMockCoordinator()
	coord.Silent = true
	convs := conversation.NewManager(nil, log)
	tracker := lastactive.NewTracker(t.TempDir()+"/last-active.json", log)
	registry := channel.NewRegistry(bus.NewMemoryBus(log), log)
	ch := &captureChannel{id: "tg1"}
	registry.Register(ch)

	factory := func(_ context.Context, sessionID string) (agent.Adapter, error) {
		return agent.NewMockAdapter("mock/test"), nil
	}
	r := NewRouter(coord, convs, registry, tracker, factory, nil,
		Config{GuidancePath: "/tmp/guidance", Tools: []string{"notes"}}, log)
	return &fixture{router: r, coord: coord, convs: convs, tracker: tracker, ch: ch}
}

func textMessage(ref, text string) *channel.Inbound {
	return &channel.Inbound{
		Type:    channel.InboundMessageReceived,
		Origin:  channel.Destination{ChannelID: "tg1", Ref: ref},
		Message: &channel.MessageContent{Type: channel.ContentText, Text: text},
	}
}

func TestFreshSpawnBindsAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "hello"))

	spawns := f.coord.SpawnCalls()
	if len(spawns) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(spawns))
	}
	cfg := spawns[0].Config
	if cfg.InitialInput == nil || cfg.InitialInput.Message != "hello" {
		t.Fatalf("initial input = %+v", cfg.InitialInput)
	}
	if len(cfg.Tags) != 1 || cfg.Tags[0] != "channel:tg1" {
		t.Fatalf("tags = %v", cfg.Tags)
	}
	if cfg.Metadata["channelId"] != "tg1" {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}

	binding, ok := f.convs.GetByDestination(channel.Destination{ChannelID: "tg1", Ref: "u1"})
	if !ok || binding.AgentID == "" {
		t.Fatalf("binding = %+v, %v", binding, ok)
	}
}

func TestContinueFromCompletedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "hello"))
	binding, _ := f.convs.GetByDestination(dest)
	f.coord.SetStatus(binding.AgentID, agent.StatusCompleted)

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "again"))

	continues := f.coord.ContinueCalls()
	if len(continues) != 1 {
		t.Fatalf("continue calls = %d, want 1", len(continues))
	}
	call := continues[0]
	if call.AgentID != binding.AgentID || call.Input.Message != "again" {
		t.Fatalf("continue call = %+v", call)
	}
	if call.Adapter == nil {
		t.Fatal("continue should reuse the session adapter")
	}
	if call.Opts == nil || len(call.Opts.Tools) != 1 || call.Opts.Tools[0] != "notes" {
		t.Fatalf("continue opts = %+v", call.Opts)
	}
	after, _ := f.convs.GetByDestination(dest)
	if after.AgentID != binding.AgentID {
		t.Fatal("binding should be unchanged after continue")
	}
}

func TestContinueFailureUnbinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "hello"))
	binding, _ := f.convs.GetByDestination(dest)
	f.coord.SetStatus(binding.AgentID, agent.StatusCompleted)
	f.coord.ContinueErr = errors.New("session corrupt")

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "again"))

	after, _ := f.convs.GetByDestination(dest)
	if after.AgentID != "" {
		t.Fatalf("binding should be cleared after continue failure, got %q", after.AgentID)
	}
	if got := len(f.ch.Intents()); got != 0 {
		t.Fatalf("no outbound intent expected, got %d", got)
	}
}

func TestSendFailureKeepsBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "hello"))
	binding, _ := f.convs.GetByDestination(dest)
	f.coord.SendErr = errors.New("pipe broken")

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "more"))

	after, _ := f.convs.GetByDestination(dest)
	if after.AgentID != binding.AgentID {
		t.Fatal("send failure must not unbind a running agent")
	}
}

func TestRestartRecoveryWithCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	// Simulate a daemon restart: the binding survived, the coordinator
	// lost the session but kept a checkpoint.
	f.convs.Bind(dest, "a1")
	f.coord.PutCheckpoint(&agent.Checkpoint{AgentID: "a1"})

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "resumed"))

	continues := f.coord.ContinueCalls()
	if len(continues) != 1 {
		t.Fatalf("continue calls = %d, want 1", len(continues))
	}
	if continues[0].AgentID != "a1" || continues[0].Input.Message != "resumed" {
		t.Fatalf("continue call = %+v", continues[0])
	}
	if len(f.coord.SpawnCalls()) != 0 {
		t.Fatal("no spawn expected when the checkpoint restores")
	}
	after, _ := f.convs.GetByDestination(dest)
	if after.AgentID != "a1" {
		t.Fatal("binding should survive successful restore")
	}
}

func TestRestartRecoveryWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	f.convs.Bind(dest, "a1")

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "resumed"))

	if len(f.coord.ContinueCalls()) != 0 {
		t.Fatal("no continue expected without a checkpoint")
	}
	spawns := f.coord.SpawnCalls()
	if len(spawns) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(spawns))
	}
	if spawns[0].Config.InitialInput.Message != "resumed" {
		t.Fatalf("spawn input = %+v", spawns[0].Config.InitialInput)
	}
	after, _ := f.convs.GetByDestination(dest)
	if after.AgentID == "" || after.AgentID == "a1" {
		t.Fatalf("destination should be rebound to a fresh agent, got %q", after.AgentID)
	}
}

// TestBackToBackMessagesShareOneAgent drives two rapid messages from one
// destination through the real registry and bus. The first must spawn
// exactly one agent even while the adapter factory is slow, and the
// second must reach that same agent as a follow-up send.
func TestBackToBackMessagesShareOneAgent(t *testing.T) {
	log := logger.Default()
	ctx := context.Background()
	coord := agent.NewMockCoordinator()
	coord.Silent = true
	convs := conversation.NewManager(nil, log)
	registry := channel.NewRegistry(bus.NewMemoryBus(log), log)
	registry.Register(&captureChannel{id: "tg1"})

	factory := func(context.Context, string) (agent.Adapter, error) {
		time.Sleep(30 * time.Millisecond)
		return agent.NewMockAdapter("mock/test"), nil
	}
	r := NewRouter(coord, convs, registry, nil, factory, nil, Config{}, log)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = r.Stop(ctx) }()

	registry.Emit(ctx, "tg1", textMessage("u1", "first"))
	registry.Emit(ctx, "tg1", textMessage("u1", "second"))

	deadline := time.Now().Add(2 * time.Second)
	for len(coord.SendCalls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("second message never delivered; spawns = %d", len(coord.SpawnCalls()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	spawns := coord.SpawnCalls()
	if len(spawns) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(spawns))
	}
	if spawns[0].Config.InitialInput.Message != "first" {
		t.Fatalf("spawn input = %+v", spawns[0].Config.InitialInput)
	}
	sends := coord.SendCalls()
	if len(sends) != 1 || sends[0].Input.Message != "second" {
		t.Fatalf("send calls = %+v", sends)
	}

	binding, ok := convs.GetByDestination(channel.Destination{ChannelID: "tg1", Ref: "u1"})
	if !ok || binding.AgentID != sends[0].AgentID {
		t.Fatalf("binding agent = %q, send agent = %q", binding.AgentID, sends[0].AgentID)
	}
}

func TestOutboundIntentInheritsDestination(t *testing.T) {
	f := newFixture(t)
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}
	f.convs.Bind(dest, "a1")

	f.router.handleCoordinatorEvent(&agent.Event{
		Type:    agent.EventAgentEvent,
		AgentID: "a1",
		Agent: &agent.AgentEvent{
			Type:   agent.AgentEventOutput,
			Output: &agent.Output{Text: "answer", Final: true},
		},
	})

	intents := f.ch.Intents()
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	got := intents[0]
	if got.Type != channel.IntentResponding || got.Text != "answer" {
		t.Fatalf("intent = %+v", got)
	}
	if got.Destination.Key() != dest.Key() {
		t.Fatalf("destination = %s, want %s", got.Destination, dest)
	}
	if got.Metadata["conversationType"] != "direct" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestOutboundEventForUnboundAgentIsDropped(t *testing.T) {
	f := newFixture(t)

	f.router.handleCoordinatorEvent(&agent.Event{
		Type:    agent.EventAgentEvent,
		AgentID: "ghost",
		Agent: &agent.AgentEvent{
			Type:   agent.AgentEventOutput,
			Output: &agent.Output{Text: "answer", Final: true},
		},
	})

	if got := len(f.ch.Intents()); got != 0 {
		t.Fatalf("intents = %d, want 0", got)
	}
}

func TestLastActiveFollowsUserInputOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.handleInbound(ctx, "tg1", textMessage("u1", "hello"))
	rec, ok := f.tracker.Get()
	if !ok || rec.Destination.Ref != "u1" {
		t.Fatalf("record = %+v, %v", rec, ok)
	}

	// Events that produce no agent input never move the tracker.
	f.router.handleInbound(ctx, "tg1", &channel.Inbound{
		Type:   channel.InboundReactionAdded,
		Origin: channel.Destination{ChannelID: "tg1", Ref: "u2"},
	})
	rec, _ = f.tracker.Get()
	if rec.Destination.Ref != "u1" {
		t.Fatalf("tracker moved to %s on non-input event", rec.Destination)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.router.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.router.Start(ctx); err != nil {
		t.Fatalf("second Start should warn, not fail: %v", err)
	}
	if err := f.router.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.router.Stop(ctx); err != nil {
		t.Fatalf("second Stop should warn, not fail: %v", err)
	}
}

func TestTransformInbound(t *testing.T) {
	cases := []struct {
		name string
		ev   *channel.Inbound
		want string // "" means no input
	}{
		{"text", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentText, Text: "hi"}}, "hi"},
		{"media with caption", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentMedia, Caption: "a photo"}}, "a photo"},
		{"media without caption", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentMedia}}, ""},
		{"contact", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentContact,
				Contact: &channel.Contact{FirstName: "Ada", LastName: "Lovelace", Phone: "+44"}}},
			"Contact: Ada Lovelace (+44)"},
		{"contact without last name", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentContact,
				Contact: &channel.Contact{FirstName: "Ada", Phone: "+44"}}},
			"Contact: Ada (+44)"},
		{"sticker", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentSticker, Emoji: "👍"}}, "👍"},
		{"location", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentLocation}}, ""},
		{"poll vote", &channel.Inbound{Type: channel.InboundMessageReceived,
			Message: &channel.MessageContent{Type: channel.ContentPollVote}}, ""},
		{"command with args", &channel.Inbound{Type: channel.InboundCommandReceived,
			Command: "new", Args: "gpt"}, "/new gpt"},
		{"command without args", &channel.Inbound{Type: channel.InboundCommandReceived,
			Command: "help"}, "/help"},
		{"callback", &channel.Inbound{Type: channel.InboundCallbackReceived,
			Callback: "choice:2"}, "choice:2"},
		{"conversation started", &channel.Inbound{Type: channel.InboundConversationStarted}, "/start"},
		{"edit", &channel.Inbound{Type: channel.InboundMessageEdited}, ""},
		{"delete", &channel.Inbound{Type: channel.InboundMessageDeleted}, ""},
		{"member joined", &channel.Inbound{Type: channel.InboundMemberJoined}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := transformInbound(tc.ev)
			if tc.want == "" {
				if input != nil {
					t.Fatalf("want no input, got %+v", input)
				}
				return
			}
			if input == nil || input.Message != tc.want {
				t.Fatalf("input = %+v, want message %q", input, tc.want)
			}
		})
	}
}

func TestTransformAgentEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   *agent.AgentEvent
		want channel.IntentType // "" means no intent
	}{
		{"status running", &agent.AgentEvent{Type: agent.AgentEventStatus,
			Status: agent.StatusRunning}, channel.IntentThinking},
		{"status completed", &agent.AgentEvent{Type: agent.AgentEventStatus,
			Status: agent.StatusCompleted}, ""},
		{"final output", &agent.AgentEvent{Type: agent.AgentEventOutput,
			Output: &agent.Output{Text: "done", Final: true}}, channel.IntentResponding},
		{"empty final output", &agent.AgentEvent{Type: agent.AgentEventOutput,
			Output: &agent.Output{Final: true}}, ""},
		{"streaming chunk", &agent.AgentEvent{Type: agent.AgentEventOutput,
			Output: &agent.Output{Text: "par"}}, channel.IntentStreaming},
		{"tool start", &agent.AgentEvent{Type: agent.AgentEventToolStart,
			Tool: &agent.ToolInfo{Name: "search"}}, channel.IntentToolCall},
		{"tool progress", &agent.AgentEvent{Type: agent.AgentEventToolProgress,
			Tool: &agent.ToolInfo{Percent: 40}}, channel.IntentToolProgress},
		{"tool end", &agent.AgentEvent{Type: agent.AgentEventToolEnd}, channel.IntentThinking},
		{"thought", &agent.AgentEvent{Type: agent.AgentEventThought,
			Thought: "hmm"}, channel.IntentThinking},
		{"recoverable error", &agent.AgentEvent{Type: agent.AgentEventError,
			Err: &agent.ErrorInfo{Message: "oops"}}, channel.IntentError},
		{"done with output", &agent.AgentEvent{Type: agent.AgentEventDone,
			Result: &agent.Result{Output: "final"}}, channel.IntentResponding},
		{"done without output", &agent.AgentEvent{Type: agent.AgentEventDone,
			Result: &agent.Result{}}, ""},
		{"suspended", &agent.AgentEvent{Type: agent.AgentEventSuspended}, ""},
		{"memory updated", &agent.AgentEvent{Type: agent.AgentEventMemoryUpdated}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := transformAgentEvent(tc.ev)
			if tc.want == "" {
				if intent != nil {
					t.Fatalf("want no intent, got %+v", intent)
				}
				return
			}
			if intent == nil || intent.Type != tc.want {
				t.Fatalf("intent = %+v, want type %s", intent, tc.want)
			}
		})
	}
}

func TestErrorRecoverableMapping(t *testing.T) {
	fatal := transformAgentEvent(&agent.AgentEvent{Type: agent.AgentEventError,
		Err: &agent.ErrorInfo{Message: "dead", Fatal: true}})
	if fatal.Type != channel.IntentError || fatal.Error.Message != "dead" {
		t.Fatalf("intent = %+v", fatal)
	}
	if fatal.Error.Recoverable {
		t.Fatal("fatal error should map to recoverable=false")
	}
	soft := transformAgentEvent(&agent.AgentEvent{Type: agent.AgentEventError,
		Err: &agent.ErrorInfo{Message: "retry"}})
	if !soft.Error.Recoverable {
		t.Fatal("non-fatal error should map to recoverable=true")
	}
}
