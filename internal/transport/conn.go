package transport

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// Conn is one accepted client connection. Writes are serialized; a write
// failure on one connection never affects the others.
type Conn struct {
	id   string
	conn net.Conn
	meta map[string]string

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	logger *logger.Logger
}

// ID returns the server-assigned connection id.
func (c *Conn) ID() string {
	return c.id
}

// Metadata returns the connection's bookkeeping map. Read-only by
// convention.
func (c *Conn) Metadata() map[string]string {
	return c.meta
}

// SendResponse writes a response frame.
func (c *Conn) SendResponse(resp *protocol.Response) error {
	return c.writeFrame(resp)
}

// Notify writes a notification frame.
func (c *Conn) Notify(n *protocol.Notification) error {
	return c.writeFrame(n)
}

func (c *Conn) writeFrame(v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("connection close", zap.String("conn_id", c.id), zap.Error(err))
		return err
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
