package transport

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// RequestHandler processes one request on one connection. Implementations
// are responsible for writing the response via conn.SendResponse.
type RequestHandler func(conn *Conn, req *protocol.Request)

// DisconnectHandler observes connection teardown, used by the RPC layer to
// reap subscriptions owned by the connection.
type DisconnectHandler func(connID string)

// Server accepts client connections on the daemon socket and reads frames
// from each. Framing errors are skipped per frame; only a peer disconnect
// ends a connection's read loop.
type Server struct {
	path   string
	logger *logger.Logger

	mu           sync.RWMutex
	ln           net.Listener
	conns        map[string]*Conn
	handler      RequestHandler
	onDisconnect DisconnectHandler
	closed       bool

	wg sync.WaitGroup
}

// NewServer creates a Server bound to the given socket path.
func NewServer(path string, log *logger.Logger) *Server {
	return &Server{
		path:   path,
		logger: log.WithFields(zap.String("component", "transport")),
		conns:  make(map[string]*Conn),
	}
}

// OnRequest installs the request dispatcher. Must be called before Listen.
func (s *Server) OnRequest(h RequestHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnDisconnect installs the connection-close observer.
func (s *Server) OnDisconnect(h DisconnectHandler) {
	s.mu.Lock()
	s.onDisconnect = h
	s.mu.Unlock()
}

// Listen removes any stale socket at the configured path, binds, and
// begins accepting connections.
func (s *Server) Listen() error {
	ln, err := listenSocket(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()

	s.logger.Info("rpc socket listening", zap.String("path", s.path))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return
			}
			// An accept failure that is not a deliberate close is fatal
			// for the server. Close waits on this goroutine, so it must
			// run elsewhere.
			s.logger.Error("accept loop failed, server stopping", zap.Error(err))
			go func() { _ = s.Close() }()
			return
		}
		conn := &Conn{
			id:     uuid.New().String(),
			conn:   nc,
			meta:   make(map[string]string),
			logger: s.logger,
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[conn.id] = conn
		s.mu.Unlock()

		s.logger.Debug("client connected", zap.String("conn_id", conn.id))
		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn *Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	dec := NewDecoder(s.logger)
	buf := make([]byte, 4096)
	for {
		n, err := conn.conn.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				s.dispatch(conn, frame)
			}
		}
		if err != nil {
			if !conn.isClosed() && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", zap.String("conn_id", conn.id), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) dispatch(conn *Conn, frame json.RawMessage) {
	var req protocol.Request
	if err := json.Unmarshal(frame, &req); err != nil || req.Method == "" {
		s.logger.Warn("discarding invalid request frame", zap.String("conn_id", conn.id))
		if req.ID != "" {
			_ = conn.SendResponse(protocol.NewErrorResponse(req.ID,
				protocol.NewError(protocol.CodeInvalidRequest, "invalid request")))
		}
		return
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		_ = conn.SendResponse(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeInternalError, "no request handler installed")))
		return
	}
	handler(conn, &req)
}

func (s *Server) dropConn(conn *Conn) {
	_ = conn.Close()
	s.mu.Lock()
	_, known := s.conns[conn.id]
	delete(s.conns, conn.id)
	onDisconnect := s.onDisconnect
	s.mu.Unlock()

	if known {
		s.logger.Debug("client disconnected", zap.String("conn_id", conn.id))
		if onDisconnect != nil {
			onDisconnect(conn.id)
		}
	}
}

// Broadcast fans a notification out to every connection. Per-connection
// write errors are logged and swallowed.
func (s *Server) Broadcast(n *protocol.Notification) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.Notify(n); err != nil {
			s.logger.Warn("broadcast write failed",
				zap.String("conn_id", c.id), zap.Error(err))
		}
	}
}

// Get returns a live connection by id.
func (s *Server) Get(connID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops accepting, closes every connection, and unlinks the socket
// file. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	removeSocket(s.path)
	s.logger.Info("rpc socket closed")
	return err
}
