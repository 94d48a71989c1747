package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// queueCapacity bounds a queued subscription's backlog. Overflow drops
// the newest event with a warning rather than blocking the publisher.
const queueCapacity = 1024

// MemoryBus implements Bus with in-memory dispatch. Handlers run on their
// own goroutines; a panicking or failing handler never affects the
// publisher or other subscribers. Queued subscriptions instead receive
// events one at a time, in publish order, on a single dispatch goroutine.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type queuedEvent struct {
	ctx     context.Context
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler

	mu     sync.Mutex
	active bool
	queue  chan queuedEvent // non-nil only for queued subscriptions
}

// deactivate marks the subscription dead and releases its dispatch
// goroutine, if any. The queue channel is nilled so a racing Publish
// cannot send on a closed channel.
func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	if s.queue != nil {
		close(s.queue)
		s.queue = nil
	}
	s.mu.Unlock()
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "event_bus")),
	}
}

// Publish delivers the event to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if !sub.active || !matches(subject, pattern, sub.pattern) {
				sub.mu.Unlock()
				continue
			}
			if sub.queue != nil {
				select {
				case sub.queue <- queuedEvent{ctx: ctx, subject: subject, event: event}:
				default:
					b.logger.Warn("subscription queue full, dropping event",
						zap.String("subject", subject))
				}
				sub.mu.Unlock()
				continue
			}
			sub.mu.Unlock()
			go b.deliver(ctx, subject, sub, event)
		}
	}
	return nil
}

// deliver runs one handler invocation, containing panics and errors.
func (b *MemoryBus) deliver(ctx context.Context, subject string, s *memorySubscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subject", subject),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(ctx, e); err != nil {
		b.logger.Error("event handler error",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// pump drains a queued subscription until it is deactivated.
func (b *MemoryBus) pump(s *memorySubscription, queue chan queuedEvent) {
	for qe := range queue {
		b.deliver(qe.ctx, qe.subject, s, qe.event)
	}
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// SubscribeQueued registers a handler whose invocations are serialized in
// publish order on one dispatch goroutine. Subjects whose consumers
// depend on source ordering, such as channel.inbound, subscribe this way.
func (b *MemoryBus) SubscribeQueued(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		queue:   make(chan queuedEvent, queueCapacity),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go b.pump(sub, sub.queue)
	b.logger.Debug("subscribed queued", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Debug("event bus closed")
}

// matches checks a subject against a pattern and its compiled regex.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex; exact subjects
// return nil.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
