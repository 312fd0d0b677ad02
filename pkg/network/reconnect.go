package network

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff bounds the delay between connection attempts. The delay starts
// at Initial and doubles after every failure up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff retries after 1s, 2s, 4s... up to 30s
var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Initial
	}
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

// ConnectRetry dials addr until a handshake succeeds or ctx is done. A
// refusal by the server is final and returned at once.
func (cl *Client) ConnectRetry(ctx context.Context, addr string, b Backoff) (*Connection, error) {
	if b.Initial <= 0 {
		b = DefaultBackoff
	}

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		conn, err := cl.Connect(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if permanent(err) {
			return nil, err
		}

		delay = b.next(delay)
		cl.log.WithError(err).WithFields(logrus.Fields{
			"addr":    addr,
			"attempt": attempt,
			"retry":   delay,
		}).Warn("connection failed, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
}

// permanent reports whether a connection error will not go away by
// retrying
func permanent(err error) bool {
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		return false
	}
	return herr.Remote || herr.Cause == RefuseInvalid
}

// Keepalive sends key on conn every interval until ctx is done or the
// connection closes. Failed requests are logged and do not stop it.
func Keepalive(ctx context.Context, conn *Connection, key string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
		}

		resp, err := conn.Send(ctx, key, nil)
		if err == nil {
			err = resp.Err()
		}
		if err != nil && ctx.Err() == nil {
			conn.log.WithError(err).Warn("keepalive failed")
		}
	}
}
