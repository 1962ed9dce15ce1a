package sse

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"

	"github.com/localrivet/opgate/security"
)

const (
	// DefaultTimeoutSeconds is the inactivity timeout of a connection.
	DefaultTimeoutSeconds = 3600
	// MaxTimeoutSeconds caps the timeout a client may request.
	MaxTimeoutSeconds = 86400
	// RefreshWindow is the remaining lifetime at which a refresh notice is sent.
	RefreshWindow = 300 * time.Second
)

// Params are the query parameters of a stream request.
type Params struct {
	ClientID     string `mapstructure:"client_id"`
	Token        string `mapstructure:"token"`
	APIKey       string `mapstructure:"api_key"`
	RefreshToken string `mapstructure:"refresh_token"`
	Timeout      int    `mapstructure:"timeout"`
}

// ParseParams decodes stream query parameters. Numeric fields accept their
// string form; a non-numeric timeout is an error.
func ParseParams(q url.Values) (Params, error) {
	input := make(map[string]interface{}, len(q))
	for key := range q {
		input[key] = q.Get(key)
	}

	var p Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return Params{}, err
	}
	if err := dec.Decode(input); err != nil {
		return Params{}, fmt.Errorf("invalid stream parameters: %w", err)
	}

	switch {
	case p.Timeout <= 0:
		p.Timeout = DefaultTimeoutSeconds
	case p.Timeout > MaxTimeoutSeconds:
		p.Timeout = MaxTimeoutSeconds
	}
	return p, nil
}

// Connection is the record of one authenticated stream.
type Connection struct {
	ClientID       string
	Identity       *security.Identity
	ConnectedAt    time.Time
	TimeoutSeconds int
	RefreshToken   string

	clock clockwork.Clock

	mu           sync.Mutex
	lastActivity time.Time
	refreshSent  bool
}

// NewConnection creates a connection whose activity clock starts now.
// A non-positive timeout selects DefaultTimeoutSeconds.
func NewConnection(clientID string, id *security.Identity, timeoutSeconds int, refreshToken string, clock clockwork.Clock) *Connection {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	now := clock.Now()
	return &Connection{
		ClientID:       clientID,
		Identity:       id,
		ConnectedAt:    now,
		TimeoutSeconds: timeoutSeconds,
		RefreshToken:   refreshToken,
		clock:          clock,
		lastActivity:   now,
	}
}

func (c *Connection) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	now := c.clock.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the time of the last recorded activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsExpired reports whether the connection has been idle for longer than
// its timeout.
func (c *Connection) IsExpired() bool {
	return c.clock.Since(c.LastActivity()) > c.timeout()
}

// TimeUntilExpiry returns the remaining lifetime, or false once expired.
func (c *Connection) TimeUntilExpiry() (time.Duration, bool) {
	elapsed := c.clock.Since(c.LastActivity())
	if elapsed >= c.timeout() {
		return 0, false
	}
	return c.timeout() - elapsed, true
}

// SupportsRefresh reports whether the client supplied a refresh token.
func (c *Connection) SupportsRefresh() bool {
	return c.RefreshToken != ""
}

// NeedsRefresh reports whether a refresh notice is due: the connection has
// a refresh token, has not been notified yet, and RefreshWindow or less remains.
func (c *Connection) NeedsRefresh() bool {
	if !c.SupportsRefresh() {
		return false
	}
	c.mu.Lock()
	sent := c.refreshSent
	c.mu.Unlock()
	if sent {
		return false
	}
	left, ok := c.TimeUntilExpiry()
	return ok && left <= RefreshWindow
}

// MarkRefreshed records that the refresh notice was sent.
func (c *Connection) MarkRefreshed() {
	c.mu.Lock()
	c.refreshSent = true
	c.mu.Unlock()
}
