package rpc

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/shutdown"
)

func handleDaemonStatus(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	if hc.Daemon == nil {
		return nil, errMissingDep("daemon controller")
	}
	return hc.Daemon.Status(), nil
}

func handleDaemonPing(_ context.Context, _ *HandlerContext, _ json.RawMessage) (interface{}, error) {
	return map[string]bool{"pong": true}, nil
}

type shutdownParams struct {
	Graceful  *bool `json:"graceful,omitempty"`
	TimeoutMs int   `json:"timeoutMs,omitempty"`
}

func handleDaemonShutdown(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	if hc.Daemon == nil {
		return nil, errMissingDep("daemon controller")
	}
	var p shutdownParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	mode := shutdown.ModeGraceful
	if p.Graceful != nil && !*p.Graceful {
		mode = shutdown.ModeHard
	}

	// The shutdown starts only after the response frame is on the wire,
	// so the requesting client observes the ack.
	hc.Defer(func() {
		hc.Logger.Info("shutdown requested over rpc", zap.String("mode", string(mode)))
		hc.Daemon.RequestShutdown(mode)
	})
	return map[string]interface{}{"shuttingDown": true, "mode": string(mode)}, nil
}

func handleDaemonReload(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	reloaded := []string{}
	if hc.Daemon != nil {
		if r := hc.Daemon.Reload(); r != nil {
			reloaded = r
		}
	}
	return map[string]interface{}{"reloaded": reloaded}, nil
}
