package network

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrAlreadyRegistered = errors.New("connection already registered")

// Group holds validated connections by id. A connection leaves its group
// when it closes.
type Group struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewGroup creates an empty group
func NewGroup() *Group {
	return &Group{conns: make(map[uuid.UUID]*Connection)}
}

// Register adds a validated, open connection
func (g *Group) Register(c *Connection) error {
	if !c.Validated() {
		return ErrNotValidated
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.conns[c.ID()]; exists {
		return ErrAlreadyRegistered
	}
	swapped := c.group.CompareAndSwap(nil, g)
	if !swapped && c.group.Load() != g {
		return ErrAlreadyRegistered
	}
	// Teardown closes before it reads c.group, so the check must follow
	// the swap
	if c.Closed() {
		if swapped {
			c.group.CompareAndSwap(g, nil)
		}
		return ErrConnectionClosed
	}

	g.conns[c.ID()] = c
	return nil
}

// Unregister removes c and reports whether it was a member
func (g *Group) Unregister(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, exists := g.conns[c.ID()]
	if !exists || cur != c {
		return false
	}
	delete(g.conns, c.ID())
	return true
}

// Connections returns a snapshot of the members
func (g *Group) Connections() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

// Retrieve returns the member with id
func (g *Group) Retrieve(id uuid.UUID) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.conns[id]
	return c, ok
}

// Len returns the number of members
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// AveragePing returns the mean ping of connected members that have been
// measured, or -1 if there are none
func (g *Group) AveragePing() int32 {
	var sum int64
	var n int64
	for _, c := range g.Connections() {
		if !c.Connected() {
			continue
		}
		if p := c.Ping(); p >= 0 {
			sum += int64(p)
			n++
		}
	}

	if n == 0 {
		return -1
	}
	return int32(sum / n)
}

// DisconnectAll disconnects every member concurrently. Every member is
// closed; the returned error joins the notices that could not be sent.
func (g *Group) DisconnectAll(ctx context.Context, reason string) error {
	conns := g.Connections()

	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, c := range conns {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Disconnect(ctx, reason); !errors.Is(err, ErrConnectionClosed) {
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Broadcast sends a request to every connected member and returns the
// pending calls
func (g *Group) Broadcast(key string, payload []byte) ([]*Call, error) {
	var (
		calls []*Call
		errs  []error
	)
	for _, c := range g.Connections() {
		if !c.Connected() {
			continue
		}
		call, err := c.SendAsync(key, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		calls = append(calls, call)
	}
	return calls, errors.Join(errs...)
}
