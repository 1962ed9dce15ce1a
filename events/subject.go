// Package events provides typed in-process publish/subscribe for gateway
// lifecycle events.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the capacity of the publish queue.
const DefaultBufferSize = 256

// DefaultPublishTimeout bounds how long Publish waits for queue space.
const DefaultPublishTimeout = 100 * time.Millisecond

// ErrSubjectClosed is returned by Publish after Complete.
var ErrSubjectClosed = errors.New("subject closed")

type published struct {
	topic   string
	payload any
}

type subscriber struct {
	id      uint64
	deliver func(ctx context.Context, payload any)
}

// Subject fans published events out to the subscribers of each topic.
// Live events are delivered asynchronously; replayed events are delivered
// synchronously, in publish order, before Subscribe returns.
type Subject struct {
	queue      chan published
	timeout    time.Duration
	replaySize int
	logger     *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscriber
	replay map[string][]any

	nextID   atomic.Uint64
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// Option configures a Subject.
type Option func(*Subject)

// WithBufferSize sets the publish queue capacity.
func WithBufferSize(n int) Option {
	return func(s *Subject) {
		if n >= 0 {
			s.queue = make(chan published, n)
		}
	}
}

// WithReplay keeps the last n events per topic for late subscribers.
func WithReplay(n int) Option {
	return func(s *Subject) {
		s.replaySize = n
	}
}

// WithLogger sets the logger used to report handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subject) {
		s.logger = logger
	}
}

// WithPublishTimeout sets how long Publish waits for queue space.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Subject) {
		s.timeout = d
	}
}

// NewSubject creates a Subject and starts its dispatch loop.
func NewSubject(opts ...Option) *Subject {
	s := &Subject{
		queue:    make(chan published, DefaultBufferSize),
		timeout:  DefaultPublishTimeout,
		subs:     make(map[string]map[uint64]*subscriber),
		replay:   make(map[string][]any),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	go s.loop()
	return s
}

// Complete stops the dispatch loop and waits for in-flight handlers.
// It is safe to call more than once and on a nil Subject.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.loopDone
	s.inflight.Wait()
}

// Subscription is returned by Subscribe.
type Subscription struct {
	subject *Subject
	topic   string
	id      uint64
	once    sync.Once
}

// Unsubscribe stops delivery to the subscription's handler.
func (sub *Subscription) Unsubscribe() {
	if sub == nil || sub.subject == nil {
		return
	}
	sub.once.Do(func() {
		s := sub.subject
		s.mu.Lock()
		defer s.mu.Unlock()
		if topicSubs, ok := s.subs[sub.topic]; ok {
			delete(topicSubs, sub.id)
			if len(topicSubs) == 0 {
				delete(s.subs, sub.topic)
			}
		}
	})
}

// Subscribe registers handler for events of type T published on topic.
// Events of other types on the same topic are ignored. When replay is true
// the retained events of the topic are delivered first.
func Subscribe[T any](s *Subject, topic string, handler func(ctx context.Context, evt T) error, replay ...bool) *Subscription {
	if s == nil {
		return &Subscription{}
	}
	id := s.nextID.Add(1)
	sub := &subscriber{
		id: id,
		deliver: func(ctx context.Context, payload any) {
			evt, ok := payload.(T)
			if !ok {
				return
			}
			if err := handler(ctx, evt); err != nil {
				s.logger.Error("event handler error", "topic", topic, "error", err)
			}
		},
	}

	s.mu.Lock()
	var history []any
	if len(replay) > 0 && replay[0] {
		history = append(history, s.replay[topic]...)
	}
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[uint64]*subscriber)
	}
	s.subs[topic][id] = sub
	s.mu.Unlock()

	for _, payload := range history {
		sub.deliver(context.Background(), payload)
	}

	return &Subscription{subject: s, topic: topic, id: id}
}

// Publish queues evt for delivery on topic.
// A nil Subject is a no-op so that components can run without an event bus.
func Publish[T any](s *Subject, topic string, evt T) error {
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return fmt.Errorf("failed to emit event on %s: %w", topic, ErrSubjectClosed)
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.queue <- published{topic: topic, payload: evt}:
		return nil
	case <-s.done:
		return fmt.Errorf("failed to emit event on %s: %w", topic, ErrSubjectClosed)
	case <-timer.C:
		return fmt.Errorf("failed to emit event on %s: queue full after %s", topic, s.timeout)
	}
}

func (s *Subject) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case p := <-s.queue:
			s.dispatch(p)
		}
	}
}

func (s *Subject) dispatch(p published) {
	s.mu.Lock()
	if s.replaySize > 0 {
		history := append(s.replay[p.topic], p.payload)
		if len(history) > s.replaySize {
			history = history[len(history)-s.replaySize:]
		}
		s.replay[p.topic] = history
	}
	targets := make([]*subscriber, 0, len(s.subs[p.topic]))
	for _, sub := range s.subs[p.topic] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		s.inflight.Add(1)
		go func(sub *subscriber) {
			defer s.inflight.Done()
			sub.deliver(context.Background(), p.payload)
		}(sub)
	}
}
