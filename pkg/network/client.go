package network

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Client dials servers and runs the initiator handshake
type Client struct {
	cfg ClientConfig
	key *rsa.PrivateKey
	log logrus.FieldLogger
}

// NewClient creates a client identified by privateKey
func NewClient(privateKey *rsa.PrivateKey, cfg ClientConfig) *Client {
	cfg.Options = cfg.Options.withDefaults()
	return &Client{
		cfg: cfg,
		key: privateKey,
		log: cfg.Logger.WithField("component", "client"),
	}
}

// PublicKey returns the client identity key
func (cl *Client) PublicKey() *rsa.PublicKey { return &cl.key.PublicKey }

// Connect dials addr and completes the handshake. The returned connection
// is validated and serving.
func (cl *Client) Connect(ctx context.Context, addr string) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return cl.ConnectConn(ctx, nc)
}

// ConnectConn completes the handshake over an already open socket
func (cl *Client) ConnectConn(ctx context.Context, nc net.Conn) (*Connection, error) {
	cl.cfg.Events.Publish(SocketOpened{Remote: nc.RemoteAddr()})

	h := newHandshake(nc, &cl.cfg.Options)
	h.arm(ctx)

	conn, err := cl.initiate(ctx, h)
	if err != nil {
		return nil, h.abort(conn, err)
	}

	cl.log.WithFields(logrus.Fields{
		"addr": nc.RemoteAddr().String(),
		"conn": conn.ID(),
	}).Info("connected")

	go conn.serve()
	return conn, nil
}
