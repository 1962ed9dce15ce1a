package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBasicPublishSubscribe(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	received := make(chan OperationExecutedEvent, 1)

	sub := Subscribe[OperationExecutedEvent](subject, TopicOperationExecuted, func(ctx context.Context, evt OperationExecutedEvent) error {
		received <- evt
		return nil
	})
	defer sub.Unsubscribe()

	err := Publish[OperationExecutedEvent](subject, TopicOperationExecuted, OperationExecutedEvent{Operation: "echo", ResultSize: 7})
	if err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	select {
	case got := <-received:
		if got.Operation != "echo" || got.ResultSize != 7 {
			t.Errorf("Expected {echo, 7}, got %+v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received within timeout")
	}
}

func TestTypeFiltering(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	connected := make(chan ClientConnectedEvent, 1)
	Subscribe[ClientConnectedEvent](subject, TopicClientConnected, func(ctx context.Context, evt ClientConnectedEvent) error {
		connected <- evt
		return nil
	})

	// A payload of another type on the same topic is not delivered.
	if err := Publish[string](subject, TopicClientConnected, "not an event"); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if err := Publish[ClientConnectedEvent](subject, TopicClientConnected, ClientConnectedEvent{ClientID: "c1"}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case evt := <-connected:
		if evt.ClientID != "c1" {
			t.Errorf("Expected c1, got %s", evt.ClientID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("ClientConnectedEvent not received")
	}

	select {
	case evt := <-connected:
		t.Errorf("Unexpected second delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplay(t *testing.T) {
	subject := NewSubject(WithReplay(3))
	defer Complete(subject)

	for i := 1; i <= 4; i++ {
		Publish[RequestFailedEvent](subject, TopicRequestFailed, RequestFailedEvent{Method: fmt.Sprintf("m%d", i), Code: -i})
	}

	time.Sleep(20 * time.Millisecond)

	var got []int
	Subscribe[RequestFailedEvent](subject, TopicRequestFailed, func(ctx context.Context, evt RequestFailedEvent) error {
		got = append(got, -evt.Code)
		return nil
	}, true)

	// Replay is synchronous, so the slice is complete once Subscribe returns.
	expected := []int{2, 3, 4}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d replayed events, got %v", len(expected), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Replay position %d: expected %d, got %d", i, expected[i], got[i])
		}
	}
}

func TestMultipleSubscribers(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	const numSubscribers = 5
	received := make([]chan PushReceivedEvent, numSubscribers)

	for i := 0; i < numSubscribers; i++ {
		received[i] = make(chan PushReceivedEvent, 1)
		idx := i
		Subscribe[PushReceivedEvent](subject, TopicPushReceived, func(ctx context.Context, evt PushReceivedEvent) error {
			received[idx] <- evt
			return nil
		})
	}

	Publish[PushReceivedEvent](subject, TopicPushReceived, PushReceivedEvent{Source: "nats", Size: 10})

	for i := 0; i < numSubscribers; i++ {
		select {
		case evt := <-received[i]:
			if evt.Source != "nats" {
				t.Errorf("Subscriber %d received incorrect event: %+v", i, evt)
			}
		case <-time.After(1 * time.Second):
			t.Errorf("Subscriber %d did not receive event", i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	subject := NewSubject()
	defer Complete(subject)

	received := make(chan ClientDisconnectedEvent, 2)
	sub := Subscribe[ClientDisconnectedEvent](subject, TopicClientDisconnected, func(ctx context.Context, evt ClientDisconnectedEvent) error {
		received <- evt
		return nil
	})

	Publish[ClientDisconnectedEvent](subject, TopicClientDisconnected, ClientDisconnectedEvent{ClientID: "first"})

	select {
	case evt := <-received:
		if evt.ClientID != "first" {
			t.Errorf("Expected 'first', got '%s'", evt.ClientID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("First event not received")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	Publish[ClientDisconnectedEvent](subject, TopicClientDisconnected, ClientDisconnectedEvent{ClientID: "second"})

	select {
	case evt := <-received:
		t.Errorf("Received event after unsubscribe: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentPublish(t *testing.T) {
	subject := NewSubject(WithBufferSize(1000))
	defer Complete(subject)

	const numGoroutines = 10
	const eventsPerGoroutine = 50

	received := make(chan OperationExecutedEvent, numGoroutines*eventsPerGoroutine)
	Subscribe[OperationExecutedEvent](subject, TopicOperationExecuted, func(ctx context.Context, evt OperationExecutedEvent) error {
		received <- evt
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := Publish[OperationExecutedEvent](subject, TopicOperationExecuted, OperationExecutedEvent{Operation: fmt.Sprintf("g%d-e%d", g, j)}); err != nil {
					t.Errorf("publish failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	count := 0
	timeout := time.After(2 * time.Second)
	for count < numGoroutines*eventsPerGoroutine {
		select {
		case <-received:
			count++
		case <-timeout:
			t.Fatalf("Only received %d out of %d events", count, numGoroutines*eventsPerGoroutine)
		}
	}
}

func TestPublishAfterComplete(t *testing.T) {
	subject := NewSubject(WithBufferSize(0))
	Complete(subject)

	err := Publish[ServerShutdownEvent](subject, TopicServerShutdown, ServerShutdownEvent{Reason: "test"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrSubjectClosed) {
		t.Errorf("Expected ErrSubjectClosed, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to emit event") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestNilSubject(t *testing.T) {
	var subject *Subject
	if err := Publish[ServerStartedEvent](subject, TopicServerStarted, ServerStartedEvent{}); err != nil {
		t.Errorf("Publish on nil subject should be a no-op, got %v", err)
	}
	Subscribe[ServerStartedEvent](subject, TopicServerStarted, func(ctx context.Context, evt ServerStartedEvent) error {
		return nil
	}).Unsubscribe()
	Complete(subject)
}

func TestHandlerErrorsAreLogged(t *testing.T) {
	var logOutput syncBuffer
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{Level: slog.LevelDebug}))

	subject := NewSubject(WithLogger(logger), WithBufferSize(10))

	Subscribe[SessionInitializedEvent](subject, TopicSessionInitialized, func(ctx context.Context, evt SessionInitializedEvent) error {
		return fmt.Errorf("rejected %s", evt.ClientName)
	})

	if err := Publish[SessionInitializedEvent](subject, TopicSessionInitialized, SessionInitializedEvent{ClientName: "probe"}); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	Complete(subject)

	logStr := logOutput.String()
	for _, want := range []string{"event handler error", "rejected probe", "topic=session.initialized"} {
		if !strings.Contains(logStr, want) {
			t.Errorf("Expected %q in log, got: %s", want, logStr)
		}
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
