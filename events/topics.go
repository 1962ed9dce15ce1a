package events

import "time"

// Topics published by the gateway.
const (
	// Server lifecycle
	TopicServerStarted  = "server.started"
	TopicServerShutdown = "server.shutdown"

	// Streaming connections
	TopicClientConnected    = "client.connected"
	TopicClientDisconnected = "client.disconnected"
	TopicConnectionExpired  = "client.expired"

	// Sessions and operations
	TopicSessionInitialized = "session.initialized"
	TopicOperationExecuted  = "operation.executed"
	TopicRequestFailed      = "request.failed"

	// Pushes arriving from a broker bridge
	TopicPushReceived = "push.received"
)

// ServerStartedEvent is emitted once a transport is accepting traffic.
type ServerStartedEvent struct {
	ServerName string    `json:"serverName"`
	Transport  string    `json:"transport"`
	Endpoint   string    `json:"endpoint,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	Operations int       `json:"operations"`
}

// ServerShutdownEvent is emitted when a transport stops.
type ServerShutdownEvent struct {
	ServerName   string    `json:"serverName"`
	Transport    string    `json:"transport"`
	ShutdownAt   time.Time `json:"shutdownAt"`
	GracefulExit bool      `json:"gracefulExit"`
	Reason       string    `json:"reason,omitempty"`
}

// ClientConnectedEvent is emitted when a streaming client is registered.
type ClientConnectedEvent struct {
	ClientID       string    `json:"clientId"`
	Subject        string    `json:"subject"`
	AuthMethod     string    `json:"authMethod"`
	ConnectedAt    time.Time `json:"connectedAt"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
}

// ClientDisconnectedEvent is emitted when a streaming client is removed.
type ClientDisconnectedEvent struct {
	ClientID       string    `json:"clientId"`
	ConnectedAt    time.Time `json:"connectedAt"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
	Reason         string    `json:"reason"`
	Dropped        uint64    `json:"dropped"`
}

// SessionInitializedEvent is emitted for every initialize request.
type SessionInitializedEvent struct {
	ClientName      string `json:"clientName"`
	ClientVersion   string `json:"clientVersion"`
	ProtocolVersion string `json:"protocolVersion"`
	Subject         string `json:"subject"`
}

// OperationExecutedEvent is emitted when an operation returns a result.
type OperationExecutedEvent struct {
	Operation  string        `json:"operation"`
	Subject    string        `json:"subject"`
	Duration   time.Duration `json:"duration"`
	ResultSize int           `json:"resultSize"`
}

// RequestFailedEvent is emitted when a request is answered with an error.
type RequestFailedEvent struct {
	Method string `json:"method"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
}

// PushReceivedEvent is emitted when a bridge forwards a payload.
type PushReceivedEvent struct {
	Source    string `json:"source"`
	Topic     string `json:"topic"`
	Size      int    `json:"size"`
	Delivered int    `json:"delivered"`
}
