// Package devws is a local websocket channel adapter for development.
// Each websocket client identifies itself with a ref; text frames from a
// client become inbound message events and outbound intents for that ref
// are delivered back as JSON frames.
package devws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

// Sink receives inbound events from the adapter. The channel Registry
// satisfies it.
type Sink interface {
	Emit(ctx context.Context, channelID string, ev *channel.Inbound)
}

// Config holds the adapter settings.
type Config struct {
	ChannelID string
	Addr      string // listen address, e.g. "127.0.0.1:7070"
}

// Channel serves websocket clients on a localhost port and bridges them
// to the daemon's channel contract.
type Channel struct {
	cfg    Config
	sink   Sink
	logger *logger.Logger

	mu       sync.RWMutex
	server   *http.Server
	ln       net.Listener
	clients  map[string]*client // by ref; a new client replaces the old
	commands []channel.CommandSpec
	running  bool

	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// New creates the adapter. Connect starts serving.
func New(cfg Config, sink Sink, log *logger.Logger) *Channel {
	return &Channel{
		cfg:     cfg,
		sink:    sink,
		logger:  log.WithFields(zap.String("component", "devws"), zap.String("channel_id", cfg.ChannelID)),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local development surface; the listener binds localhost.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ID implements channel.Channel.
func (c *Channel) ID() string { return c.cfg.ChannelID }

// Connect binds the listener and starts serving websocket upgrades on /ws.
func (c *Channel) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("devws listen on %s: %w", c.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.serveWS)
	srv := &http.Server{Handler: mux}

	c.ln = ln
	c.server = srv
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("devws server stopped", zap.Error(err))
		}
	}()

	c.logger.Info("devws channel listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (c *Channel) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Disconnect stops the server and closes every client.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	srv := c.server
	clients := make([]*client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.clients = make(map[string]*client)
	c.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
	err := srv.Shutdown(ctx)
	c.wg.Wait()
	return err
}

// Process delivers an outbound intent to the client that owns the
// destination ref.
func (c *Channel) Process(_ context.Context, intent *channel.Intent) error {
	c.mu.RLock()
	cl, ok := c.clients[intent.Destination.Ref]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("devws: no client for ref %q", intent.Destination.Ref)
	}
	return cl.deliver(intent)
}

// RegisterCommands remembers the command set; it is replayed to each
// client on connect.
func (c *Channel) RegisterCommands(_ context.Context, commands []channel.CommandSpec) error {
	c.mu.Lock()
	c.commands = commands
	c.mu.Unlock()
	return nil
}

func (c *Channel) serveWS(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "ref query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := newClient(ref, conn, c, c.logger)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	if prev, ok := c.clients[ref]; ok {
		c.logger.Warn("replacing devws client", zap.String("ref", ref))
		prev.close()
	}
	c.clients[ref] = cl
	commands := c.commands
	c.mu.Unlock()

	c.logger.Debug("devws client connected", zap.String("ref", ref))
	if len(commands) > 0 {
		cl.send(frame{Type: "commands", Commands: commands})
	}

	c.wg.Add(2)
	go func() { defer c.wg.Done(); cl.writePump() }()
	go func() { defer c.wg.Done(); cl.readPump() }()
}

// drop removes a client after its read pump ends.
func (c *Channel) drop(cl *client) {
	c.mu.Lock()
	if current, ok := c.clients[cl.ref]; ok && current == cl {
		delete(c.clients, cl.ref)
	}
	c.mu.Unlock()
	c.logger.Debug("devws client disconnected", zap.String("ref", cl.ref))
}

// emit forwards an inbound event from a client to the sink.
func (c *Channel) emit(ev *channel.Inbound) {
	ev.Origin = channel.Destination{ChannelID: c.cfg.ChannelID, Ref: ev.Origin.Ref}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.sink.Emit(context.Background(), c.cfg.ChannelID, ev)
}
