package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/conversation"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// bindingView is the wire shape of one conversation binding.
type bindingView struct {
	Destination    channel.Destination `json:"destination"`
	AgentID        *string             `json:"agentId"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastActivityAt time.Time           `json:"lastActivityAt"`
}

func bindingViewOf(b conversation.Binding) bindingView {
	view := bindingView{
		Destination:    b.Destination,
		CreatedAt:      b.CreatedAt,
		LastActivityAt: b.LastActivityAt,
	}
	if b.AgentID != "" {
		agentID := b.AgentID
		view.AgentID = &agentID
	}
	return view
}

type destinationParams struct {
	ChannelID string `json:"channelId"`
	Ref       string `json:"ref"`
}

func decodeDestination(params json.RawMessage) (channel.Destination, error) {
	var p destinationParams
	if err := decodeParams(params, &p); err != nil {
		return channel.Destination{}, err
	}
	if p.ChannelID == "" || p.Ref == "" {
		return channel.Destination{}, protocol.NewError(protocol.CodeInvalidParams,
			"channelId and ref are required")
	}
	return channel.Destination{ChannelID: p.ChannelID, Ref: p.Ref}, nil
}

type conversationListParams struct {
	ChannelID string `json:"channelId,omitempty"`
	HasAgent  *bool  `json:"hasAgent,omitempty"`
}

func handleConversationList(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p conversationListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	bindings := hc.Conversations.List(&conversation.ListFilter{
		ChannelID: p.ChannelID,
		HasAgent:  p.HasAgent,
	})
	views := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		views = append(views, bindingViewOf(b))
	}
	return map[string]interface{}{"conversations": views}, nil
}

func handleConversationGet(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	dest, err := decodeDestination(params)
	if err != nil {
		return nil, err
	}
	b, ok := hc.Conversations.GetByDestination(dest)
	if !ok {
		return nil, errNotFound("conversation", dest.String())
	}
	return bindingViewOf(b), nil
}

func handleConversationUnbind(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	dest, err := decodeDestination(params)
	if err != nil {
		return nil, err
	}
	if _, ok := hc.Conversations.GetByDestination(dest); !ok {
		return nil, errNotFound("conversation", dest.String())
	}
	// The agent itself is left alone; the coordinator garbage-collects
	// idle sessions by its own policy.
	unbound := hc.Conversations.Unbind(dest)
	return map[string]interface{}{"unbound": unbound}, nil
}
