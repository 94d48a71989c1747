package rpc

import (
	"context"
	"encoding/json"

	"github.com/roostlabs/roostd/internal/common/config"
	"github.com/roostlabs/roostd/internal/history"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// handleConfigGet returns a safe subset of the runtime configuration.
// Anything that could carry secrets (full channel definitions, NATS
// credentials embedded in URLs) stays off the wire.
func handleConfigGet(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	cfg := hc.Config
	channelIDs := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channelIDs = append(channelIDs, ch.ID)
	}
	destinations := make([]string, 0, len(cfg.Destinations))
	for name := range cfg.Destinations {
		destinations = append(destinations, name)
	}

	return map[string]interface{}{
		"socket":       cfg.Socket,
		"dataDir":      cfg.Data.Dir,
		"guidanceDir":  cfg.GuidanceDir(),
		"logLevel":     cfg.Logging.Level,
		"channels":     channelIDs,
		"destinations": destinations,
		"pulse": map[string]interface{}{
			"enabled":    cfg.Pulse.Enabled,
			"schedule":   cfg.Pulse.Schedule,
			"responseTo": cfg.Pulse.ResponseTo,
		},
		"history": map[string]interface{}{
			"enabled": cfg.History.Enabled,
		},
	}, nil
}

// handleConfigValidate type-checks a configuration document supplied by
// the client without applying it.
func handleConfigValidate(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "config document is required")
	}
	var candidate config.Config
	if err := json.Unmarshal(params, &candidate); err != nil {
		return map[string]interface{}{"valid": false, "error": "not a config document: " + err.Error()}, nil
	}
	if err := config.Validate(&candidate); err != nil {
		return map[string]interface{}{"valid": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"valid": true}, nil
}

type historyListParams struct {
	ChannelID string `json:"channelId,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func handleHistoryList(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	if hc.History == nil {
		return nil, errMissingDep("history store")
	}
	var p historyListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	entries, err := hc.History.List(ctx, history.ListOptions{
		ChannelID: p.ChannelID,
		Ref:       p.Ref,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": entries}, nil
}

func handleOnboardStatus(ctx context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	if hc.Onboarder == nil {
		return nil, errMissingDep("onboarding")
	}
	return hc.Onboarder.Status(ctx)
}

func handleOnboardExecute(ctx context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	if hc.Onboarder == nil {
		return nil, errMissingDep("onboarding")
	}
	return hc.Onboarder.Execute(ctx)
}
