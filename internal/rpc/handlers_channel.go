package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roostlabs/roostd/pkg/protocol"
)

type channelIDParams struct {
	ID string `json:"id"`
}

func decodeChannelID(params json.RawMessage) (string, error) {
	var p channelIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", protocol.NewError(protocol.CodeInvalidParams, "id is required")
	}
	return p.ID, nil
}

func handleChannelList(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"channels": hc.Channels.List()}, nil
}

func handleChannelGet(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	id, err := decodeChannelID(params)
	if err != nil {
		return nil, err
	}
	for _, info := range hc.Channels.List() {
		if info.ID == id {
			return info, nil
		}
	}
	return nil, errNotFound("channel", id)
}

func handleChannelDisconnect(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	id, err := decodeChannelID(params)
	if err != nil {
		return nil, err
	}
	if _, ok := hc.Channels.Get(id); !ok {
		return nil, errNotFound("channel", id)
	}
	if err := hc.Channels.Disconnect(ctx, id); err != nil {
		return nil, fmt.Errorf("disconnect failed: %w", err)
	}
	return map[string]interface{}{"disconnected": true}, nil
}

func handleChannelReconnect(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	id, err := decodeChannelID(params)
	if err != nil {
		return nil, err
	}
	if _, ok := hc.Channels.Get(id); !ok {
		return nil, errNotFound("channel", id)
	}
	// Best-effort disconnect first so a half-open adapter is reset.
	if err := hc.Channels.Disconnect(ctx, id); err != nil {
		hc.Logger.Warn("disconnect before reconnect failed")
	}
	if err := hc.Channels.Connect(ctx, id); err != nil {
		return nil, fmt.Errorf("reconnect failed: %w", err)
	}
	return map[string]interface{}{"connected": true}, nil
}
