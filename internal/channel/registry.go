package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/events"
	"github.com/roostlabs/roostd/internal/events/bus"
)

// Info is the externally visible state of one registered channel.
type Info struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

// Registry tracks channel adapters and fans their inbound events onto the
// event bus. It is the single outbound sink the router talks to.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]Channel
	connected map[string]bool

	bus    bus.Bus
	logger *logger.Logger
}

// NewRegistry creates a Registry publishing on the given bus.
func NewRegistry(b bus.Bus, log *logger.Logger) *Registry {
	return &Registry{
		channels:  make(map[string]Channel),
		connected: make(map[string]bool),
		bus:       b,
		logger:    log.WithFields(zap.String("component", "channel_registry")),
	}
}

// Register adds a channel adapter. Registering the same id twice replaces
// the previous adapter with a warning.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	if _, exists := r.channels[ch.ID()]; exists {
		r.logger.Warn("replacing registered channel", zap.String("channel_id", ch.ID()))
	}
	r.channels[ch.ID()] = ch
	r.mu.Unlock()
}

// Get returns a channel by id.
func (r *Registry) Get(channelID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	return ch, ok
}

// List returns the state of every registered channel, ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Info, 0, len(r.channels))
	for id := range r.channels {
		result = append(result, Info{ID: id, Connected: r.connected[id]})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Connect connects one channel and marks it live.
func (r *Registry) Connect(ctx context.Context, channelID string) error {
	ch, ok := r.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %q not registered", channelID)
	}
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel %s: %w", channelID, err)
	}
	r.mu.Lock()
	r.connected[channelID] = true
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, events.ChannelConnected,
		bus.NewEvent(events.ChannelConnected, "channel_registry", Info{ID: channelID, Connected: true}))
	r.logger.Info("channel connected", zap.String("channel_id", channelID))
	return nil
}

// Disconnect disconnects one channel.
func (r *Registry) Disconnect(ctx context.Context, channelID string) error {
	ch, ok := r.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %q not registered", channelID)
	}
	err := ch.Disconnect(ctx)
	r.mu.Lock()
	r.connected[channelID] = false
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, events.ChannelDisconnected,
		bus.NewEvent(events.ChannelDisconnected, "channel_registry", Info{ID: channelID, Connected: false}))
	if err != nil {
		return fmt.Errorf("disconnect channel %s: %w", channelID, err)
	}
	r.logger.Info("channel disconnected", zap.String("channel_id", channelID))
	return nil
}

// DisconnectAll disconnects every connected channel in parallel,
// best-effort. Used during shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels))
	for id, live := range r.connected {
		if live {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Disconnect(gctx, id); err != nil {
				r.logger.Warn("channel disconnect failed during shutdown",
					zap.String("channel_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Process hands an outbound intent to the channel that owns it.
func (r *Registry) Process(ctx context.Context, channelID string, intent *Intent) error {
	ch, ok := r.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %q not registered", channelID)
	}
	return ch.Process(ctx, intent)
}

// Emit publishes an inbound event from a channel adapter onto the bus.
// Adapters call this from their receive loops.
func (r *Registry) Emit(ctx context.Context, channelID string, ev *Inbound) {
	envelope := &InboundEnvelope{ChannelID: channelID, Event: ev}
	if err := r.bus.Publish(ctx, events.ChannelInbound,
		bus.NewEvent(events.ChannelInbound, "channel:"+channelID, envelope)); err != nil {
		r.logger.Error("failed to publish inbound event",
			zap.String("channel_id", channelID), zap.Error(err))
	}
}

// SubscribeInbound registers a handler for inbound events from every
// channel and returns a disposer. Deliveries are serialized in emit
// order: adapters serialize per destination, so the handler never sees
// two events from one destination concurrently or reordered.
func (r *Registry) SubscribeInbound(handler func(channelID string, ev *Inbound)) (func(), error) {
	sub, err := r.bus.SubscribeQueued(events.ChannelInbound, func(_ context.Context, event *bus.Event) error {
		envelope, ok := event.Payload.(*InboundEnvelope)
		if !ok {
			return fmt.Errorf("unexpected inbound payload %T", event.Payload)
		}
		handler(envelope.ChannelID, envelope.Event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
