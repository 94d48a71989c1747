package devws

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// frame is the wire format between the adapter and a dev client. Inbound
// frames carry type "message" or "command"; outbound frames carry the
// intent or the command catalog.
type frame struct {
	Type     string                `json:"type"`
	Text     string                `json:"text,omitempty"`
	Author   string                `json:"author,omitempty"`
	Command  string                `json:"command,omitempty"`
	Args     string                `json:"args,omitempty"`
	Intent   *channel.Intent       `json:"intent,omitempty"`
	Commands []channel.CommandSpec `json:"commands,omitempty"`
}

// client is one websocket peer, identified by its ref.
type client struct {
	ref     string
	conn    *websocket.Conn
	owner   *Channel
	sendBuf chan []byte
	logger  *logger.Logger

	closeOnce sync.Once
}

func newClient(ref string, conn *websocket.Conn, owner *Channel, log *logger.Logger) *client {
	return &client{
		ref:     ref,
		conn:    conn,
		owner:   owner,
		sendBuf: make(chan []byte, 256),
		logger:  log.WithFields(zap.String("ref", ref)),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.sendBuf)
	})
}

// deliver queues an outbound intent frame, dropping when the client
// cannot keep up.
func (c *client) deliver(intent *channel.Intent) error {
	return c.send(frame{Type: "intent", Intent: intent})
}

func (c *client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	defer func() {
		// Sending on a closed buffer panics; the client is gone either way.
		_ = recover()
	}()
	select {
	case c.sendBuf <- data:
		return nil
	default:
		c.logger.Warn("devws send buffer full, dropping frame")
		return nil
	}
}

func (c *client) readPump() {
	defer func() {
		c.owner.drop(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("devws read ended", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed devws frame", zap.Error(err))
			continue
		}
		c.handleFrame(&f)
	}
}

func (c *client) handleFrame(f *frame) {
	origin := channel.Destination{Ref: c.ref}
	switch f.Type {
	case "message":
		c.owner.emit(&channel.Inbound{
			Type:   channel.InboundMessageReceived,
			Origin: origin,
			Author: f.Author,
			Message: &channel.MessageContent{
				Type: channel.ContentText,
				Text: f.Text,
			},
		})
	case "command":
		c.owner.emit(&channel.Inbound{
			Type:    channel.InboundCommandReceived,
			Origin:  origin,
			Author:  f.Author,
			Command: strings.TrimPrefix(f.Command, "/"),
			Args:    f.Args,
		})
	case "start":
		c.owner.emit(&channel.Inbound{
			Type:   channel.InboundConversationStarted,
			Origin: origin,
			Author: f.Author,
		})
	default:
		c.logger.Warn("unknown devws frame type", zap.String("type", f.Type))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendBuf:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
