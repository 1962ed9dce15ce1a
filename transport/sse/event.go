package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event names written to streams.
const (
	EventConnected    = "connected"
	EventTokenRefresh = "token_refresh"
	EventAuthError    = "auth_error"
	EventResponse     = "response"
	EventMessage      = "message"
	EventNotification = "notification"
	EventDisconnected = "disconnected"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// JSONEvent marshals v into an Event named name. HTML characters are left
// unescaped so URLs in payloads stay readable.
func JSONEvent(name string, v interface{}) (Event, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: bytes.TrimRight(buf.Bytes(), "\n")}, nil
}

// streamWriter frames events onto a flushing response writer.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  *atomic.Int64
}

func (s *streamWriter) write(ev Event) error {
	id := s.nextID.Add(1)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\nevent: %s\n", id, ev.Name)
	// Each line of the payload needs its own data field.
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *streamWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type connectedPayload struct {
	Type            string `json:"type"`
	ClientID        string `json:"client_id"`
	Authenticated   bool   `json:"authenticated"`
	Subject         string `json:"subject"`
	ConnectionTime  int64  `json:"connection_time"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	SupportsRefresh bool   `json:"supports_refresh"`
	ExpiresIn       *int64 `json:"expires_in"`
}

type refreshInstructions struct {
	Action     string `json:"action"`
	Method     string `json:"method"`
	URLPattern string `json:"url_pattern"`
}

type refreshPayload struct {
	Type             string              `json:"type"`
	ClientID         string              `json:"client_id"`
	ExpiresInSeconds int64               `json:"expires_in_seconds"`
	RefreshToken     string              `json:"refresh_token"`
	Instructions     refreshInstructions `json:"instructions"`
}

type authErrorInstructions struct {
	Action           string   `json:"action"`
	SupportedMethods []string `json:"supported_methods"`
}

type authErrorPayload struct {
	Type              string                `json:"type"`
	ClientID          string                `json:"client_id"`
	Error             string                `json:"error"`
	ReconnectRequired bool                  `json:"reconnect_required"`
	Instructions      authErrorInstructions `json:"instructions"`
}

type disconnectedPayload struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

func connectedEvent(c *Connection) Event {
	p := connectedPayload{
		Type:            "connection_established",
		ClientID:        c.ClientID,
		Authenticated:   true,
		ConnectionTime:  c.ConnectedAt.Unix(),
		TimeoutSeconds:  c.TimeoutSeconds,
		SupportsRefresh: c.SupportsRefresh(),
	}
	if c.Identity != nil {
		p.Subject = c.Identity.Subject
	}
	if left, ok := c.TimeUntilExpiry(); ok {
		secs := int64(left / time.Second)
		p.ExpiresIn = &secs
	}
	ev, _ := JSONEvent(EventConnected, p)
	return ev
}

func refreshEvent(c *Connection, path string) Event {
	left, _ := c.TimeUntilExpiry()
	ev, _ := JSONEvent(EventTokenRefresh, refreshPayload{
		Type:             "token_refresh_required",
		ClientID:         c.ClientID,
		ExpiresInSeconds: int64(left / time.Second),
		RefreshToken:     c.RefreshToken,
		Instructions: refreshInstructions{
			Action:     "refresh_connection",
			Method:     "reconnect_with_new_token",
			URLPattern: fmt.Sprintf("%s?token=NEW_TOKEN&client_id=%s", path, c.ClientID),
		},
	})
	return ev
}

func authErrorEvent(clientID, message string) Event {
	ev, _ := JSONEvent(EventAuthError, authErrorPayload{
		Type:              "authentication_error",
		ClientID:          clientID,
		Error:             message,
		ReconnectRequired: true,
		Instructions: authErrorInstructions{
			Action: "reconnect_with_valid_credentials",
			SupportedMethods: []string{
				"Authorization header: Bearer <token>",
				"Query parameter: ?token=<jwt_token>",
				"Query parameter: ?api_key=<api_key>",
			},
		},
	})
	return ev
}

func disconnectedEvent(clientID, reason string) Event {
	ev, _ := JSONEvent(EventDisconnected, disconnectedPayload{
		Type:     "connection_closed",
		ClientID: clientID,
		Reason:   reason,
	})
	return ev
}
