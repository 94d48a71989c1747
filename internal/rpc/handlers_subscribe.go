package rpc

import (
	"context"
	"encoding/json"

	"github.com/roostlabs/roostd/pkg/protocol"
)

type subscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

func handleSubscribeAgents(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	id, err := hc.Subscriptions.Subscribe(hc.Conn.ID(), TopicAgents, nil)
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionID: id}, nil
}

type subscribeAgentOutputParams struct {
	ID string `json:"id"`
}

func handleSubscribeAgentOutput(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p subscribeAgentOutputParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "id is required")
	}
	if hc.Coordinator.Get(p.ID) == nil {
		return nil, errNotFound("agent", p.ID)
	}
	id, err := hc.Subscriptions.Subscribe(hc.Conn.ID(), TopicAgentOutput,
		map[string]interface{}{"id": p.ID})
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionID: id}, nil
}

func handleSubscribeChannels(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	id, err := hc.Subscriptions.Subscribe(hc.Conn.ID(), TopicChannels, nil)
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionID: id}, nil
}

type subscribeLogsParams struct {
	Level string `json:"level,omitempty"`
}

func handleSubscribeLogs(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p subscribeLogsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	switch p.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			"level must be one of trace, debug, info, warn, error")
	}
	var filter map[string]interface{}
	if p.Level != "" {
		filter = map[string]interface{}{"level": p.Level}
	}
	id, err := hc.Subscriptions.Subscribe(hc.Conn.ID(), TopicLogs, filter)
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionID: id}, nil
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

func handleUnsubscribe(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p unsubscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "subscriptionId is required")
	}
	sub, ok := hc.Subscriptions.Get(p.SubscriptionID)
	if !ok {
		return nil, errNotFound("subscription", p.SubscriptionID)
	}
	// Subscriptions are private to their connection.
	if sub.ConnectionID != hc.Conn.ID() {
		return nil, protocol.NewError(protocol.CodeInvalidOperation,
			"subscription is owned by another connection")
	}
	hc.Subscriptions.Unsubscribe(p.SubscriptionID)
	return map[string]interface{}{"unsubscribed": true}, nil
}
