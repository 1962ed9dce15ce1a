package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultQoS is at least once delivery.
	DefaultQoS = 1
	// DefaultConnectTimeout bounds the broker connect.
	DefaultConnectTimeout = 10 * time.Second

	disconnectQuiesce = 250
)

// MQTTSource subscribes to an MQTT topic filter.
type MQTTSource struct {
	broker       string
	topic        string
	clientID     string
	qos          byte
	username     string
	password     string
	cleanSession bool
	client       paho.Client
	logger       *slog.Logger
	subscribed   atomic.Bool
}

// MQTTOption configures an MQTTSource.
type MQTTOption func(*MQTTSource)

// WithClientID sets the client ID.
func WithClientID(clientID string) MQTTOption {
	return func(s *MQTTSource) {
		s.clientID = clientID
	}
}

// WithQoS sets the subscription QoS. Values above 2 are ignored.
func WithQoS(qos byte) MQTTOption {
	return func(s *MQTTSource) {
		if qos <= 2 {
			s.qos = qos
		}
	}
}

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) MQTTOption {
	return func(s *MQTTSource) {
		s.username = username
		s.password = password
	}
}

// WithCleanSession sets whether to start a clean session.
func WithCleanSession(clean bool) MQTTOption {
	return func(s *MQTTSource) {
		s.cleanSession = clean
	}
}

// WithMQTTClient uses an existing client instead of dialing broker.
func WithMQTTClient(c paho.Client) MQTTOption {
	return func(s *MQTTSource) {
		s.client = c
	}
}

// WithMQTTLogger sets the logger used for connection events.
func WithMQTTLogger(logger *slog.Logger) MQTTOption {
	return func(s *MQTTSource) {
		s.logger = logger
	}
}

// NewMQTTSource creates a source for topic on broker.
func NewMQTTSource(broker, topic string, opts ...MQTTOption) *MQTTSource {
	s := &MQTTSource{
		broker:       broker,
		topic:        topic,
		qos:          DefaultQoS,
		cleanSession: true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clientID == "" {
		s.clientID = fmt.Sprintf("opgate-bridge-%d", time.Now().UnixNano())
	}
	return s
}

func (s *MQTTSource) Name() string {
	return "mqtt"
}

func (s *MQTTSource) Topic() string {
	return s.topic
}

func (s *MQTTSource) newClient(handler paho.MessageHandler) paho.Client {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.broker)
	opts.SetClientID(s.clientID)
	opts.SetCleanSession(s.cleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(DefaultConnectTimeout)
	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", "broker", s.broker, "error", err)
	})
	// Clean sessions drop subscriptions, so reconnects subscribe again.
	opts.SetOnConnectHandler(func(c paho.Client) {
		if !s.subscribed.Load() {
			return
		}
		if token := c.Subscribe(s.topic, s.qos, handler); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt resubscribe failed", "topic", s.topic, "error", token.Error())
		}
	})
	return paho.NewClient(opts)
}

// Run connects, subscribes and delivers until ctx is done.
func (s *MQTTSource) Run(ctx context.Context, deliver func([]byte)) error {
	handler := func(_ paho.Client, msg paho.Message) {
		deliver(msg.Payload())
	}

	client := s.client
	if client == nil {
		client = s.newClient(handler)
	}

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", s.broker, token.Error())
	}
	if token := client.Subscribe(s.topic, s.qos, handler); token.Wait() && token.Error() != nil {
		client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("subscribe to %s: %w", s.topic, token.Error())
	}
	s.subscribed.Store(true)

	<-ctx.Done()
	s.subscribed.Store(false)
	if client.IsConnected() {
		if token := client.Unsubscribe(s.topic); token.WaitTimeout(time.Second) && token.Error() != nil {
			s.logger.Debug("mqtt unsubscribe failed", "topic", s.topic, "error", token.Error())
		}
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}
