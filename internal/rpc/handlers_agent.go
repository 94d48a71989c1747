package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/pkg/protocol"
)

// agentView is the wire shape of one agent session.
type agentView struct {
	ID        string                 `json:"id"`
	Status    agent.Status           `json:"status"`
	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

func viewOf(h agent.Handle) agentView {
	cfg := h.Config()
	return agentView{
		ID:        h.ID(),
		Status:    h.Status(),
		Tags:      cfg.Tags,
		Metadata:  cfg.Metadata,
		CreatedAt: h.CreatedAt(),
	}
}

type agentIDParams struct {
	ID string `json:"id"`
}

func requireAgent(hc *HandlerContext, params json.RawMessage) (agent.Handle, *agentIDParams, error) {
	var p agentIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, nil, err
	}
	if p.ID == "" {
		return nil, nil, protocol.NewError(protocol.CodeInvalidParams, "id is required")
	}
	h := hc.Coordinator.Get(p.ID)
	if h == nil {
		return nil, nil, errNotFound("agent", p.ID)
	}
	return h, &p, nil
}

func handleAgentList(_ context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	handles := hc.Coordinator.List()
	views := make([]agentView, 0, len(handles))
	for _, h := range handles {
		views = append(views, viewOf(h))
	}
	return map[string]interface{}{"agents": views}, nil
}

func handleAgentGet(_ context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	h, _, err := requireAgent(hc, params)
	if err != nil {
		return nil, err
	}
	return viewOf(h), nil
}

type agentSpawnParams struct {
	Model        string                 `json:"model"` // "provider/model-name"
	Message      string                 `json:"message,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	GuidancePath string                 `json:"guidancePath,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
}

func handleAgentSpawn(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	if hc.ModelFactory == nil {
		return nil, errMissingDep("model factory")
	}
	var p agentSpawnParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	model := p.Model
	if model == "" {
		model = hc.Config.Agent.Model
	}
	if model == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "model is required")
	}

	m, err := hc.ModelFactory.Lookup(model)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			fmt.Sprintf("unknown model %q: %s", model, err))
	}
	adapter, err := m.CreateAdapter(ctx, uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("adapter creation failed: %w", err)
	}

	cfg := agent.SpawnConfig{
		Tags:         p.Tags,
		Metadata:     p.Metadata,
		GuidancePath: p.GuidancePath,
		Tools:        p.Tools,
	}
	if cfg.GuidancePath == "" {
		cfg.GuidancePath = hc.Config.Agent.GuidancePath
	}
	if len(cfg.Tools) == 0 {
		cfg.Tools = hc.Tools
	}
	if p.Message != "" {
		cfg.InitialInput = &agent.Input{Message: p.Message}
	}

	h, err := hc.Coordinator.Spawn(ctx, adapter, cfg)
	if err != nil {
		return nil, fmt.Errorf("spawn failed: %w", err)
	}
	return viewOf(h), nil
}

type agentContinueParams struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"` // overrides the checkpoint adapter
}

func handleAgentContinue(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p agentContinueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "id is required")
	}

	checkpoint, err := hc.Coordinator.LoadCheckpoint(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint load failed: %w", err)
	}
	if checkpoint == nil {
		return nil, errNotFound("checkpoint", p.ID)
	}

	if hc.ModelFactory == nil {
		return nil, errMissingDep("model factory")
	}
	// The checkpoint names the adapter the session ran on; an explicit
	// model param overrides it.
	identifier := checkpoint.Adapter.Provider + "/" + checkpoint.Adapter.Model
	if p.Model != "" {
		identifier = p.Model
	}
	m, err := hc.ModelFactory.Lookup(identifier)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			fmt.Sprintf("unknown model %q: %s", identifier, err))
	}
	adapter, err := m.CreateAdapter(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("adapter creation failed: %w", err)
	}

	var input *agent.Input
	if p.Message != "" {
		input = &agent.Input{Message: p.Message}
	}
	opts := &agent.ContinueOptions{Tools: hc.Tools}
	if err := hc.Coordinator.Continue(ctx, p.ID, input, adapter, opts); err != nil {
		return nil, fmt.Errorf("continue failed: %w", err)
	}
	return map[string]interface{}{"id": p.ID, "resumed": true}, nil
}

type agentSendParams struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func handleAgentSend(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	var p agentSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.Message == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "id and message are required")
	}
	h := hc.Coordinator.Get(p.ID)
	if h == nil {
		return nil, errNotFound("agent", p.ID)
	}
	if h.Status() != agent.StatusRunning {
		return nil, protocol.NewError(protocol.CodeInvalidOperation,
			fmt.Sprintf("agent %q is %s, not running", p.ID, h.Status()))
	}
	if err := h.Send(ctx, &agent.Input{Message: p.Message}); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	return map[string]interface{}{"sent": true}, nil
}

func handleAgentPause(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	h, _, err := requireAgent(hc, params)
	if err != nil {
		return nil, err
	}
	if err := h.Pause(ctx); err != nil {
		return nil, fmt.Errorf("pause failed: %w", err)
	}
	return viewOf(h), nil
}

func handleAgentResume(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	h, _, err := requireAgent(hc, params)
	if err != nil {
		return nil, err
	}
	if err := h.Resume(ctx); err != nil {
		return nil, fmt.Errorf("resume failed: %w", err)
	}
	return viewOf(h), nil
}

func handleAgentTerminate(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	h, _, err := requireAgent(hc, params)
	if err != nil {
		return nil, err
	}
	if err := h.Terminate(ctx); err != nil {
		return nil, fmt.Errorf("terminate failed: %w", err)
	}
	return map[string]interface{}{"terminated": true}, nil
}

func handleAgentSnapshot(ctx context.Context, hc *HandlerContext, params json.RawMessage) (interface{}, error) {
	h, _, err := requireAgent(hc, params)
	if err != nil {
		return nil, err
	}
	checkpoint, err := h.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	return checkpoint, nil
}

func handleAgentListCheckpoints(ctx context.Context, hc *HandlerContext, _ json.RawMessage) (interface{}, error) {
	ids, err := hc.Coordinator.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints failed: %w", err)
	}
	return map[string]interface{}{"checkpoints": ids}, nil
}
