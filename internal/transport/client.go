package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// Common client errors.
var (
	ErrNotConnected   = errors.New("not connected to daemon")
	ErrRequestTimeout = errors.New("request timed out")
)

// ClientConfig holds client tunables.
type ClientConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the default client timeouts.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client is a full-duplex daemon client. Requests are correlated to
// responses by id; notifications fan out to registered handlers.
type Client struct {
	path   string
	config ClientConfig
	logger *logger.Logger

	mu       sync.Mutex
	conn     net.Conn
	pending  map[string]chan *protocol.Response
	handlers map[int]func(*protocol.Notification)
	nextSub  int
	closed   bool

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// NewClient creates a Client for the daemon socket at path.
func NewClient(path string, cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultClientConfig().ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &Client{
		path:     path,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "transport_client")),
		pending:  make(map[string]chan *protocol.Response),
		handlers: make(map[int]func(*protocol.Notification)),
	}
}

// Connect dials the daemon socket and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := dialSocket(ctx, c.path, c.config.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Request sends a request and waits for the matching response or a
// timeout. The response error, if any, is returned as *protocol.Error.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := Encode(&protocol.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if _, err := conn.Write(frame); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// OnNotification registers a handler for all incoming notifications and
// returns a function that removes it.
func (c *Client) OnNotification(handler func(*protocol.Notification)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close disconnects and rejects every outstanding request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.failPending()

	dec := NewDecoder(c.logger)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				c.handleFrame(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) handleFrame(frame json.RawMessage) {
	// Notifications carry a method and no id; responses the reverse.
	var head struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return
	}

	if head.Method != "" && head.ID == "" {
		var n protocol.Notification
		if err := json.Unmarshal(frame, &n); err != nil {
			return
		}
		c.mu.Lock()
		handlers := make([]func(*protocol.Notification), 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(&n)
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// failPending rejects every outstanding request after a disconnect.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.closed = true
	c.conn = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}
