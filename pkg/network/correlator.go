package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atlasworld/atlasnet/pkg/protocol"
)

var (
	ErrDuplicateRequest    = errors.New("request id already pending")
	ErrUnknownRequest      = errors.New("no pending request with this id")
	ErrAlreadyAcknowledged = errors.New("request already acknowledged")
	ErrRequestTimeout      = errors.New("request timed out")
)

// TimeoutError is the result of a call that received no terminal response
// in time
type TimeoutError struct {
	ID           uuid.UUID
	Acknowledged bool
}

func (e *TimeoutError) Error() string {
	if e.Acknowledged {
		return fmt.Sprintf("request %s timed out after acknowledgment", e.ID)
	}
	return fmt.Sprintf("request %s timed out", e.ID)
}

// Unwrap returns ErrRequestTimeout
func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// Response is a terminal answer to a request
type Response struct {
	ID      uuid.UUID
	Code    protocol.Code
	Payload []byte
	Time    uint64 // sender clock, Unix ms
}

// Err returns the typed error for failure codes and nil otherwise
func (r *Response) Err() error {
	return protocol.FromCode(r.Code, r.ID)
}

// Call is the requester side of an outstanding request
type Call struct {
	id     uuid.UUID
	key    string
	sentAt time.Time

	acknowledged atomic.Bool
	done         chan struct{}
	resp         *Response
	err          error
}

func newCall(id uuid.UUID, key string) *Call {
	return &Call{
		id:     id,
		key:    key,
		sentAt: time.Now(),
		done:   make(chan struct{}),
	}
}

// ID returns the request id
func (c *Call) ID() uuid.UUID { return c.id }

// Key returns the request key
func (c *Call) Key() string { return c.key }

// Acknowledged reports whether the responder acknowledged the request
func (c *Call) Acknowledged() bool { return c.acknowledged.Load() }

// Done is closed once the call has a result
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome of a finished call. Before Done is closed it
// returns nil, nil.
func (c *Call) Result() (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call finishes or ctx is done
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish must be called exactly once, by the owner of the terminal transition
func (c *Call) finish(resp *Response, err error) {
	c.resp = resp
	c.err = err
	close(c.done)
}

type pendingRequest struct {
	call       *Call
	generation uint64
	timer      Timer
}

// Correlator tracks requests awaiting responses. Each pending request has
// exactly one terminal transition: response, failure or timeout. Timers
// carry a generation so that a timer replaced by an acknowledgment is a
// no-op when it fires.
type Correlator struct {
	mu        sync.Mutex
	pending   map[uuid.UUID]*pendingRequest
	scheduler Scheduler
	closeErr  error

	// OnTimeout is called after a call times out
	OnTimeout func(call *Call)
	// OnRoundTrip is called with the time since send for every accepted
	// acknowledgment or response
	OnRoundTrip func(elapsed time.Duration)
}

// NewCorrelator creates a correlator. A nil scheduler uses RealScheduler.
func NewCorrelator(scheduler Scheduler) *Correlator {
	if scheduler == nil {
		scheduler = RealScheduler{}
	}
	return &Correlator{
		pending:   make(map[uuid.UUID]*pendingRequest),
		scheduler: scheduler,
	}
}

// Register starts tracking request id with the given timeout. A timeout
// of zero or less uses protocol.DefaultRequestTimeout.
func (c *Correlator) Register(id uuid.UUID, key string, timeout time.Duration) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return nil, c.closeErr
	}
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}

	if timeout <= 0 {
		timeout = protocol.DefaultRequestTimeout
	}
	p := &pendingRequest{call: newCall(id, key), generation: 1}
	p.timer = c.arm(id, p.generation, timeout)
	c.pending[id] = p
	return p.call, nil
}

// Acknowledge replaces the request timer with one of ackTimeout. The
// timeout is bounded to (0, protocol.MaxAckTimeout]; zero or less uses
// protocol.DefaultAckTimeout.
func (c *Correlator) Acknowledge(id uuid.UUID, ackTimeout time.Duration) error {
	switch {
	case ackTimeout <= 0:
		ackTimeout = protocol.DefaultAckTimeout
	case ackTimeout > protocol.MaxAckTimeout:
		ackTimeout = protocol.MaxAckTimeout
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if p.call.Acknowledged() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAcknowledged, id)
	}

	p.call.acknowledged.Store(true)
	p.timer.Stop()
	p.generation++
	p.timer = c.arm(id, p.generation, ackTimeout)
	sentAt := p.call.sentAt
	c.mu.Unlock()

	c.roundTrip(sentAt)
	return nil
}

// Complete finishes the call with resp. It reports false when the request
// is unknown or already finished.
func (c *Correlator) Complete(id uuid.UUID, resp *Response) bool {
	p := c.take(id)
	if p == nil {
		return false
	}

	p.call.finish(resp, nil)
	c.roundTrip(p.call.sentAt)
	return true
}

// Fail finishes the call with err
func (c *Correlator) Fail(id uuid.UUID, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}

	p.call.finish(nil, err)
	return true
}

// CloseAll fails every pending call with err and rejects later
// registrations with the same error
func (c *Correlator) CloseAll(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	pending := c.pending
	c.pending = make(map[uuid.UUID]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.call.finish(nil, err)
	}
}

// Len returns the number of pending requests
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id uuid.UUID) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// arm must be called with c.mu held and d > 0
func (c *Correlator) arm(id uuid.UUID, generation uint64, d time.Duration) Timer {
	return c.scheduler.AfterFunc(d, func() { c.expire(id, generation) })
}

func (c *Correlator) expire(id uuid.UUID, generation uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	p.call.finish(nil, &TimeoutError{ID: id, Acknowledged: p.call.Acknowledged()})
	if c.OnTimeout != nil {
		c.OnTimeout(p.call)
	}
}

func (c *Correlator) roundTrip(sentAt time.Time) {
	if c.OnRoundTrip != nil {
		c.OnRoundTrip(time.Since(sentAt))
	}
}
