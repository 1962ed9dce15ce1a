package bridge

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

const defaultNatsURL = nats.DefaultURL

// NATSSource subscribes to a NATS subject.
type NATSSource struct {
	url     string
	subject string
	queue   string
	opts    []nats.Option
}

// NATSOption configures a NATSSource.
type NATSOption func(*NATSSource)

// WithQueueGroup joins a queue group so that only one gateway in the group
// receives each message.
func WithQueueGroup(queue string) NATSOption {
	return func(s *NATSSource) {
		s.queue = queue
	}
}

// WithNATSOptions appends connection options.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(s *NATSSource) {
		s.opts = append(s.opts, opts...)
	}
}

// NewNATSSource creates a source for subject on the servers in url, a comma
// delimited list. An empty url uses the local default.
func NewNATSSource(url, subject string, opts ...NATSOption) *NATSSource {
	if url == "" {
		url = defaultNatsURL
	}
	s := &NATSSource{url: url, subject: subject}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NATSSource) Name() string {
	return "nats"
}

func (s *NATSSource) Topic() string {
	return s.subject
}

// Run connects, subscribes and delivers until ctx is done, then drains the
// connection so buffered messages are not lost.
func (s *NATSSource) Run(ctx context.Context, deliver func([]byte)) error {
	name := "opgate"
	if host, err := os.Hostname(); err == nil {
		name = fmt.Sprintf("opgate-%s", host)
	}

	closed := make(chan struct{})
	nopts := []nats.Option{
		nats.Name(name),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}
	nopts = append(nopts, s.opts...)

	conn, err := nats.Connect(s.url, nopts...)
	if err != nil {
		return fmt.Errorf("error connecting to NATS: %w", err)
	}

	handler := func(msg *nats.Msg) {
		deliver(msg.Data)
	}
	if s.queue != "" {
		_, err = conn.QueueSubscribe(s.subject, s.queue, handler)
	} else {
		_, err = conn.Subscribe(s.subject, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}

	<-ctx.Done()
	if err := conn.Drain(); err != nil {
		conn.Close()
		return nil
	}
	<-closed
	return nil
}
