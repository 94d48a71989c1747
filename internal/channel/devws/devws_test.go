package devws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

type captureSink struct {
	mu     sync.Mutex
	events []*channel.Inbound
}

func (s *captureSink) Emit(_ context.Context, _ string, ev *channel.Inbound) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) wait(t *testing.T, n int) []*channel.Inbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.events) >= n {
			out := append([]*channel.Inbound(nil), s.events...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d inbound events", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startChannel(t *testing.T) (*Channel, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	ch := New(Config{ChannelID: "dev", Addr: "127.0.0.1:0"}, sink, logger.Default())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ch.Disconnect(ctx)
	})
	return ch, sink
}

func dial(t *testing.T, ch *Channel, ref string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ch.Addr()+"/ws?ref="+ref, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestInboundMessageReachesSink(t *testing.T) {
	ch, sink := startChannel(t)
	conn := dial(t, ch, "u1")

	if err := conn.WriteJSON(frame{Type: "message", Text: "hello", Author: "alice"}); err != nil {
		t.Fatal(err)
	}

	events := sink.wait(t, 1)
	ev := events[0]
	if ev.Type != channel.InboundMessageReceived {
		t.Fatalf("type = %s", ev.Type)
	}
	if ev.Origin.ChannelID != "dev" || ev.Origin.Ref != "u1" {
		t.Fatalf("origin = %+v", ev.Origin)
	}
	if ev.Message == nil || ev.Message.Text != "hello" || ev.Author != "alice" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestInboundCommandStripsSlash(t *testing.T) {
	ch, sink := startChannel(t)
	conn := dial(t, ch, "u1")

	if err := conn.WriteJSON(frame{Type: "command", Command: "/status", Args: "verbose"}); err != nil {
		t.Fatal(err)
	}

	ev := sink.wait(t, 1)[0]
	if ev.Type != channel.InboundCommandReceived || ev.Command != "status" || ev.Args != "verbose" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestProcessDeliversToOwningRef(t *testing.T) {
	ch, _ := startChannel(t)
	u1 := dial(t, ch, "u1")
	dial(t, ch, "u2")

	intent := &channel.Intent{
		Type:        channel.IntentResponding,
		Destination: channel.Destination{ChannelID: "dev", Ref: "u1"},
		Text:        "response text",
	}
	// Retry until the connect handshake has registered the client.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := ch.Process(context.Background(), intent); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("Process: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = u1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := u1.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "intent" || f.Intent == nil || f.Intent.Text != "response text" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestProcessUnknownRefFails(t *testing.T) {
	ch, _ := startChannel(t)
	err := ch.Process(context.Background(), &channel.Intent{
		Type:        channel.IntentResponding,
		Destination: channel.Destination{ChannelID: "dev", Ref: "nobody"},
	})
	if err == nil {
		t.Fatal("unknown ref should fail")
	}
}

func TestConnectRequiresRef(t *testing.T) {
	ch, _ := startChannel(t)
	resp, err := http.Get("http://" + ch.Addr() + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCommandsReplayedOnConnect(t *testing.T) {
	ch, _ := startChannel(t)
	if err := ch.RegisterCommands(context.Background(), []channel.CommandSpec{
		{Name: "reset", Description: "drop the conversation binding"},
	}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ch, "u1")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "commands" || len(f.Commands) != 1 || f.Commands[0].Name != "reset" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	ch, sink := startChannel(t)
	conn := dial(t, ch, "u1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(frame{Type: "message", Text: "after garbage"}); err != nil {
		t.Fatal(err)
	}

	events := sink.wait(t, 1)
	if events[0].Message.Text != "after garbage" {
		t.Fatalf("event = %+v", events[0])
	}
}
