package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrBlacklisted is returned by authenticators for peers that are
	// known but banned. The handshake refuses them with RefuseBlacklisted.
	ErrBlacklisted = errors.New("peer is blacklisted")
	// ErrUnknownPeer is returned by authenticators for peers without a
	// trusted key
	ErrUnknownPeer = errors.New("peer is not trusted")
)

// Handler serves one request. It answers through resp, either directly or
// later from another goroutine after acknowledging. A returned error is
// sent to the requester unless a terminal response was already written.
type Handler interface {
	ServeRequest(req *Request, resp *Responder) error
}

// HandlerFunc adapts a function to a Handler
type HandlerFunc func(req *Request, resp *Responder) error

// ServeRequest calls f(req, resp)
func (f HandlerFunc) ServeRequest(req *Request, resp *Responder) error {
	return f(req, resp)
}

// PacketRegistry maps request keys to handlers
type PacketRegistry interface {
	Lookup(key string) (Handler, bool)
}

// Registry is a PacketRegistry backed by a map. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for key, replacing any previous handler
func (r *Registry) Handle(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// HandleFunc registers f for key
func (r *Registry) HandleFunc(key string, f func(req *Request, resp *Responder) error) {
	r.Handle(key, HandlerFunc(f))
}

// Remove unregisters key
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}

// Lookup returns the handler for key
func (r *Registry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered request keys
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Authenticator supplies the trusted public key of a peer that identified
// itself with id during the handshake. conn is not yet validated.
type Authenticator interface {
	Authenticate(ctx context.Context, conn *Connection, id uuid.UUID) (*rsa.PublicKey, error)
}

// AuthenticatorFunc adapts a function to an Authenticator
type AuthenticatorFunc func(ctx context.Context, conn *Connection, id uuid.UUID) (*rsa.PublicKey, error)

// Authenticate calls f
func (f AuthenticatorFunc) Authenticate(ctx context.Context, conn *Connection, id uuid.UUID) (*rsa.PublicKey, error) {
	return f(ctx, conn, id)
}

// StaticAuthenticator trusts a fixed set of id to key bindings
type StaticAuthenticator struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*rsa.PublicKey
}

// NewStaticAuthenticator creates an empty StaticAuthenticator
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{keys: make(map[uuid.UUID]*rsa.PublicKey)}
}

// Trust binds id to key
func (a *StaticAuthenticator) Trust(id uuid.UUID, key *rsa.PublicKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[id] = key
}

// Authenticate returns the key bound to id or ErrUnknownPeer
func (a *StaticAuthenticator) Authenticate(_ context.Context, _ *Connection, id uuid.UUID) (*rsa.PublicKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	key, ok := a.keys[id]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return key, nil
}
