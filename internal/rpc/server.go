// Package rpc layers request/response semantics and subscription fan-out
// over the daemon control socket.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/config"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/conversation"
	"github.com/roostlabs/roostd/internal/history"
	"github.com/roostlabs/roostd/internal/scheduler"
	"github.com/roostlabs/roostd/internal/shutdown"
	"github.com/roostlabs/roostd/internal/transport"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// DaemonControl is the slice of the daemon controller handlers need:
// live status and the ability to request shutdown after the response is
// flushed.
type DaemonControl interface {
	Status() DaemonStatus
	RequestShutdown(mode shutdown.Mode)
	Reload() []string
}

// DaemonStatus is the daemon.status result.
type DaemonStatus struct {
	Status          string `json:"status"`
	UptimeMs        int64  `json:"uptimeMs"`
	AgentCount      int    `json:"agentCount"`
	ChannelCount    int    `json:"channelCount"`
	ConnectionCount int    `json:"connectionCount"`
	Version         string `json:"version"`
}

// Onboarder is the external onboarding collaborator.
type Onboarder interface {
	Status(ctx context.Context) (interface{}, error)
	Execute(ctx context.Context) (interface{}, error)
}

// Deps carries every collaborator handlers may touch. Optional fields are
// documented as such; a handler requiring a missing optional dependency
// fails with an internal error naming it.
type Deps struct {
	Coordinator   agent.Coordinator
	Channels      *channel.Registry
	Conversations *conversation.Manager
	Shutdown      *shutdown.Manager
	Config        *config.Config
	Daemon        DaemonControl

	// Optional.
	ModelFactory agent.ModelFactory
	Tools        []string
	History      *history.Store
	Scheduler    *scheduler.Scheduler
	Onboarder    Onboarder
}

// HandlerContext is passed to every handler invocation.
type HandlerContext struct {
	Deps
	Subscriptions *SubscriptionManager
	Conn          *transport.Conn
	Logger        *logger.Logger

	// afterResponse runs once the response frame has been written. Used
	// by daemon.shutdown so the client observes the ack.
	afterResponse func()
}

// Defer schedules fn to run after the response is flushed.
func (hc *HandlerContext) Defer(fn func()) {
	hc.afterResponse = fn
}

// HandlerFunc is one RPC method implementation. Returning a
// *protocol.Error preserves its code on the wire; any other error becomes
// an internal error with the message preserved.
type HandlerFunc func(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error)

// Server dispatches requests by method name and reaps subscriptions when
// connections close.
type Server struct {
	transport     *transport.Server
	subscriptions *SubscriptionManager
	deps          Deps
	logger        *logger.Logger

	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

// NewServer creates a Server on the given transport.
func NewServer(ts *transport.Server, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		transport:     ts,
		subscriptions: NewSubscriptionManager(ts, log),
		deps:          deps,
		logger:        log.WithFields(zap.String("component", "rpc")),
		methods:       make(map[string]HandlerFunc),
	}
	s.registerHandlers()

	ts.OnRequest(s.handleRequest)
	ts.OnDisconnect(s.subscriptions.Cleanup)
	return s
}

// Subscriptions exposes the manager to the notifier and the daemon
// controller.
func (s *Server) Subscriptions() *SubscriptionManager {
	return s.subscriptions
}

// Start begins listening on the daemon socket.
func (s *Server) Start() error {
	return s.transport.Listen()
}

// Stop closes the socket and all connections.
func (s *Server) Stop() error {
	return s.transport.Close()
}

// ConnectionCount reports live client connections.
func (s *Server) ConnectionCount() int {
	return s.transport.ConnectionCount()
}

// register installs a method handler.
func (s *Server) register(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.methods[method] = fn
	s.mu.Unlock()
}

// handleRequest runs one request on its own goroutine. Requests on the
// same connection may execute concurrently; handlers are concurrent-safe
// by contract.
func (s *Server) handleRequest(conn *transport.Conn, req *protocol.Request) {
	go s.serve(conn, req)
}

func (s *Server) serve(conn *transport.Conn, req *protocol.Request) {
	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		_ = conn.SendResponse(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeMethodNotFound,
				fmt.Sprintf("method %q not found", req.Method))))
		return
	}

	hc := &HandlerContext{
		Deps:          s.deps,
		Subscriptions: s.subscriptions,
		Conn:          conn,
		Logger:        s.logger,
	}

	result, err := s.invoke(fn, hc, req)
	var resp *protocol.Response
	switch {
	case err == nil:
		resp = protocol.NewResponse(req.ID, result)
	default:
		if rpcErr, ok := err.(*protocol.Error); ok {
			resp = protocol.NewErrorResponse(req.ID, rpcErr)
		} else {
			resp = protocol.NewErrorResponse(req.ID,
				protocol.NewError(protocol.CodeInternalError, err.Error()))
		}
	}

	if err := conn.SendResponse(resp); err != nil {
		s.logger.Warn("response write failed",
			zap.String("conn_id", conn.ID()),
			zap.String("method", req.Method),
			zap.Error(err))
		return
	}
	if hc.afterResponse != nil {
		hc.afterResponse()
	}
}

// invoke runs the handler, converting a panic into an internal error.
func (s *Server) invoke(fn HandlerFunc, hc *HandlerContext, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			err = protocol.NewError(protocol.CodeInternalError,
				fmt.Sprintf("internal error in %s", req.Method))
		}
	}()
	return fn(context.Background(), hc, req.Params)
}

// decodeParams unmarshals params into out, mapping failures to invalid
// params. Null or absent params decode into the zero value.
func decodeParams(params json.RawMessage, out interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return protocol.NewError(protocol.CodeInvalidParams,
			"invalid params: "+err.Error())
	}
	return nil
}

// errNotFound builds the standard not-found error.
func errNotFound(what, id string) *protocol.Error {
	return protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("%s %q not found", what, id))
}

// errMissingDep reports a handler's missing optional dependency.
func errMissingDep(dep string) *protocol.Error {
	return protocol.NewError(protocol.CodeInternalError, dep+" is not configured")
}

// registerHandlers installs the closed method registry.
func (s *Server) registerHandlers() {
	// Daemon lifecycle.
	s.register("daemon.status", handleDaemonStatus)
	s.register("daemon.ping", handleDaemonPing)
	s.register("daemon.shutdown", handleDaemonShutdown)
	s.register("daemon.reload", handleDaemonReload)

	// Agents.
	s.register("agent.list", handleAgentList)
	s.register("agent.get", handleAgentGet)
	s.register("agent.spawn", handleAgentSpawn)
	s.register("agent.continue", handleAgentContinue)
	s.register("agent.send", handleAgentSend)
	s.register("agent.pause", handleAgentPause)
	s.register("agent.resume", handleAgentResume)
	s.register("agent.terminate", handleAgentTerminate)
	s.register("agent.snapshot", handleAgentSnapshot)
	s.register("agent.listCheckpoints", handleAgentListCheckpoints)

	// Channels. channel.connect is deliberately absent: channels connect
	// at boot, clients may only cycle existing ones.
	s.register("channel.list", handleChannelList)
	s.register("channel.get", handleChannelGet)
	s.register("channel.disconnect", handleChannelDisconnect)
	s.register("channel.reconnect", handleChannelReconnect)

	// Conversations.
	s.register("conversation.list", handleConversationList)
	s.register("conversation.get", handleConversationGet)
	s.register("conversation.unbind", handleConversationUnbind)

	// Subscriptions.
	s.register("subscribe.agents", handleSubscribeAgents)
	s.register("subscribe.agent.output", handleSubscribeAgentOutput)
	s.register("subscribe.channels", handleSubscribeChannels)
	s.register("subscribe.logs", handleSubscribeLogs)
	s.register("unsubscribe", handleUnsubscribe)

	// Config.
	s.register("config.get", handleConfigGet)
	s.register("config.validate", handleConfigValidate)

	// Onboarding.
	s.register("onboard.status", handleOnboardStatus)
	s.register("onboard.execute", handleOnboardExecute)

	// History.
	s.register("history.list", handleHistoryList)
}
