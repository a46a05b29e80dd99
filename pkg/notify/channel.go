package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseReason distinguishes deliberate channel shutdown from transport
// failure. Only abnormal closure triggers reconnection.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseAbnormal
)

func (r CloseReason) String() string {
	if r == CloseNormal {
		return "normal"
	}
	return "abnormal"
}

// CloseError reports why a channel stopped delivering.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("channel closed (%s): %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Channel is one live delivery stream: serialized Notification records,
// one per message, no batching guarantee. Duplicates and gaps are the
// consumer's problem (the Manager dedups; a refresh recovers gaps).
type Channel interface {
	// Next blocks until a notification arrives or the channel closes,
	// in which case it returns a *CloseError.
	Next() (Notification, error)
	// Close tears the channel down with the normal reason. Safe to call
	// more than once.
	Close() error
}

// Dialer opens one delivery channel. The supervisor holds at most one
// open channel at a time; a newly dialed channel supersedes any prior one.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// WSDialer dials the backend's notification stream endpoint.
type WSDialer struct {
	// URL of the stream endpoint, ws:// or wss:// scheme.
	URL string
	// Credential supplies the session token appended to the handshake;
	// an empty credential fails the dial fast with ErrNoCredential.
	Credential CredentialSource
	// HandshakeTimeout bounds the dial; zero means 10s.
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

func (d *WSDialer) Dial(ctx context.Context) (Channel, error) {
	token := d.Credential()
	if token == "" {
		return nil, ErrNoCredential
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &wsChannel{conn: conn, logger: d.Logger}, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	logger *zap.Logger
	// closedLocally marks a deliberate Close so the read loop reports
	// the normal reason instead of a read error.
	closedLocally atomic.Bool
}

func (c *wsChannel) Next() (Notification, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason := CloseAbnormal
			if c.closedLocally.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = CloseNormal
			}
			return Notification{}, &CloseError{Reason: reason, Err: err}
		}

		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			// A malformed frame is dropped, not fatal; the record is
			// recovered by the next list pull.
			if c.logger != nil {
				c.logger.Warn("dropping malformed stream message", zap.Error(err))
			}
			continue
		}
		return n, nil
	}
}

func (c *wsChannel) Close() error {
	if !c.closedLocally.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		deadline)
	return c.conn.Close()
}
