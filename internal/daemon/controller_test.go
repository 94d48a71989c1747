package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/channel/devws"
	"github.com/roostlabs/roostd/internal/common/config"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/shutdown"
	"github.com/roostlabs/roostd/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Unix socket paths have a tight length budget; avoid t.TempDir.
	socket := filepath.Join(os.TempDir(), fmt.Sprintf("roost-dmn-%d.sock", time.Now().UnixNano()))
	t.Cleanup(func() { _ = os.Remove(socket) })
	return &config.Config{
		Socket: socket,
		Data:   config.DataConfig{Dir: t.TempDir()},
		Agent:  config.AgentConfig{Model: "mock/test"},
	}
}

func newController(t *testing.T, cfg *config.Config) (*Controller, *agent.MockCoordinator) {
	t.Helper()
	coord := agent.NewMockCoordinator()
	c := New(Options{
		Config:       cfg,
		Coordinator:  coord,
		ModelFactory: &agent.MockModelFactory{},
		Logger:       logger.Default(),
		Version:      "test",
	})
	return c, coord
}

func startController(t *testing.T, cfg *config.Config) (*Controller, *agent.MockCoordinator) {
	t.Helper()
	c, coord := newController(t, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if c.State() == StateRunning {
			_ = c.Stop(context.Background(), shutdown.ModeGraceful)
		}
	})
	return c, coord
}

func rpcClient(t *testing.T, socket string) *transport.Client {
	t.Helper()
	client := transport.NewClient(socket, transport.ClientConfig{
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
	}, logger.Default())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("rpc connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStartTransitionsToRunning(t *testing.T) {
	cfg := testConfig(t)
	c, _ := startController(t, cfg)

	if c.State() != StateRunning {
		t.Fatalf("state = %s", c.State())
	}
	status := c.Status()
	if status.Status != "running" || status.Version != "test" {
		t.Fatalf("status = %+v", status)
	}
}

func TestStartRefusedWhileRunning(t *testing.T) {
	cfg := testConfig(t)
	c, _ := startController(t, cfg)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestBootFailureRevertsToStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels = []config.ChannelConfig{{ID: "x", Type: "telegram"}}
	c, _ := newController(t, cfg)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("boot with unsupported channel type should fail")
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", c.State())
	}
}

func TestStopClosesRPCSocket(t *testing.T) {
	cfg := testConfig(t)
	c, _ := startController(t, cfg)

	client := rpcClient(t, cfg.Socket)
	if _, err := client.Request(context.Background(), "daemon.ping", nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := c.Stop(context.Background(), shutdown.ModeGraceful); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s", c.State())
	}
	if _, err := os.Stat(cfg.Socket); !os.IsNotExist(err) {
		t.Fatal("socket file should be removed")
	}
}

func TestStatusOverRPC(t *testing.T) {
	cfg := testConfig(t)
	_, coord := startController(t, cfg)
	coord.Silent = true

	adapter := agent.NewMockAdapter("mock/test")
	if _, err := coord.Spawn(context.Background(), adapter, agent.SpawnConfig{}); err != nil {
		t.Fatal(err)
	}

	client := rpcClient(t, cfg.Socket)
	result, err := client.Request(context.Background(), "daemon.status", nil)
	if err != nil {
		t.Fatalf("daemon.status: %v", err)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != "running" || status["agentCount"] != float64(1) {
		t.Fatalf("status = %v", status)
	}
	if status["connectionCount"] != float64(1) {
		t.Fatalf("connectionCount = %v", status["connectionCount"])
	}
}

func TestShutdownOverRPC(t *testing.T) {
	cfg := testConfig(t)
	c, _ := startController(t, cfg)

	client := rpcClient(t, cfg.Socket)
	result, err := client.Request(context.Background(), "daemon.shutdown",
		map[string]bool{"graceful": true})
	if err != nil {
		t.Fatalf("daemon.shutdown: %v", err)
	}
	var ack map[string]interface{}
	if err := json.Unmarshal(result, &ack); err != nil || ack["shuttingDown"] != true {
		t.Fatalf("ack = %s", result)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never completed")
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s", c.State())
	}
}

func TestDevwsChannelConnectsAtBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels = []config.ChannelConfig{{ID: "dev", Type: "devws", Listen: "127.0.0.1:0"}}
	cfg.Agent.Tools = []string{"notes"}
	_, _ = startController(t, cfg)

	client := rpcClient(t, cfg.Socket)
	result, err := client.Request(context.Background(), "channel.list", nil)
	if err != nil {
		t.Fatalf("channel.list: %v", err)
	}
	var out struct {
		Channels []channel.Info `json:"channels"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Channels) != 1 || out.Channels[0].ID != "dev" || !out.Channels[0].Connected {
		t.Fatalf("channels = %+v", out.Channels)
	}
}

// TestMessageRoundTrip drives the full path: a websocket client sends a
// message, the router spawns a mock agent, and the agent's response comes
// back over the same websocket.
func TestMessageRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels = []config.ChannelConfig{{ID: "dev", Type: "devws", Listen: "127.0.0.1:0"}}
	c, coord := startController(t, cfg)
	coord.RespondWith = "hello from the agent"

	ch, ok := c.channels.Get("dev")
	if !ok {
		t.Fatal("dev channel not registered")
	}
	addr := ch.(*devws.Channel).Addr()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?ref=u1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "message", "text": "hi"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no agent response before deadline: %v", err)
		}
		var f struct {
			Type   string          `json:"type"`
			Intent *channel.Intent `json:"intent"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "intent" || f.Intent == nil {
			continue
		}
		if f.Intent.Type == channel.IntentResponding {
			if f.Intent.Text != "hello from the agent" {
				t.Fatalf("response text = %q", f.Intent.Text)
			}
			return
		}
	}
}
