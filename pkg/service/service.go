// Package service holds the request handlers served by atlas-server and
// the matching client helpers
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/protocol"
)

// Request keys
const (
	PingKey   = "atlas:ping"
	EchoKey   = "atlas:echo"
	WhoAmIKey = "atlas:whoami"
	DelayKey  = "atlas:delay"
)

// CodeOK answers every successful built-in request
const CodeOK protocol.Code = 100

// MaxDelay bounds DelayKey requests
const MaxDelay = 10 * time.Minute

// Register installs the built-in handlers on reg
func Register(reg *network.Registry) {
	reg.HandleFunc(PingKey, handlePing)
	reg.HandleFunc(EchoKey, handleEcho)
	reg.HandleFunc(WhoAmIKey, handleWhoAmI)
	reg.HandleFunc(DelayKey, handleDelay)
}

// NewRegistry returns a registry serving only the built-in handlers
func NewRegistry() *network.Registry {
	reg := network.NewRegistry()
	Register(reg)
	return reg
}

func handlePing(_ *network.Request, resp *network.Responder) error {
	return resp.RespondEmpty(CodeOK)
}

func handleEcho(req *network.Request, resp *network.Responder) error {
	return resp.Respond(CodeOK, req.Payload)
}

// handleWhoAmI answers with the id the caller authenticated as
func handleWhoAmI(req *network.Request, resp *network.Responder) error {
	return resp.Respond(CodeOK, []byte(req.Conn().ID().String()))
}

// handleDelay acknowledges, waits for the duration in the payload and then
// answers. It exercises acknowledgment timeouts.
func handleDelay(req *network.Request, resp *network.Responder) error {
	d, err := time.ParseDuration(string(req.Payload))
	if err != nil || d < 0 || d > MaxDelay {
		return protocol.ErrPayloadInvalid
	}

	if err := resp.Acknowledge(d + d/2 + time.Second); err != nil {
		return err
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return resp.Respond(CodeOK, req.Payload)
	case <-req.Conn().Done():
		return nil
	}
}

// Ping sends a ping and returns the round trip time
func Ping(ctx context.Context, conn *network.Connection) (time.Duration, error) {
	start := time.Now()
	if _, err := call(ctx, conn, PingKey, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Echo sends payload and returns what the server echoed
func Echo(ctx context.Context, conn *network.Connection, payload []byte) ([]byte, error) {
	return call(ctx, conn, EchoKey, payload)
}

// WhoAmI returns the id the server knows this client by
func WhoAmI(ctx context.Context, conn *network.Connection) (string, error) {
	payload, err := call(ctx, conn, WhoAmIKey, nil)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Delay asks the server to answer after d
func Delay(ctx context.Context, conn *network.Connection, d time.Duration) error {
	_, err := call(ctx, conn, DelayKey, []byte(d.String()))
	return err
}

func call(ctx context.Context, conn *network.Connection, key string, payload []byte) ([]byte, error) {
	resp, err := conn.Send(ctx, key, payload)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if resp.Code != CodeOK {
		return nil, fmt.Errorf("%s: unexpected response code %d", key, resp.Code)
	}
	return resp.Payload, nil
}
