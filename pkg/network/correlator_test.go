package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasworld/atlasnet/pkg/protocol"
)

func TestCorrelatorComplete(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	var trips []time.Duration
	c.OnRoundTrip = func(d time.Duration) { trips = append(trips, d) }

	id := uuid.New()
	call, err := c.Register(id, "echo", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	resp, err := call.Result()
	assert.Nil(t, resp)
	assert.NoError(t, err)

	want := &Response{ID: id, Code: 1, Payload: []byte("pong")}
	require.True(t, c.Complete(id, want))

	select {
	case <-call.Done():
	default:
		t.Fatal("call not done after Complete")
	}

	got, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, c.Len())
	assert.Len(t, trips, 1)

	// later answers for the same id are ignored
	assert.False(t, c.Complete(id, &Response{ID: id, Code: 300}))
	assert.False(t, c.Fail(id, errors.New("late")))

	// the timer no longer fires
	sched.Advance(10 * time.Second)
	got, err = call.Result()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCorrelatorTimeout(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	var timedOut *Call
	c.OnTimeout = func(call *Call) { timedOut = call }

	id := uuid.New()
	call, err := c.Register(id, "slow", 5*time.Second)
	require.NoError(t, err)

	sched.Advance(4900 * time.Millisecond)
	resp, err := call.Result()
	assert.Nil(t, resp)
	assert.NoError(t, err)

	sched.Advance(200 * time.Millisecond)
	_, err = call.Result()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, id, te.ID)
	assert.False(t, te.Acknowledged)
	assert.Same(t, call, timedOut)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Complete(id, &Response{ID: id, Code: 1}))
}

func TestCorrelatorAcknowledgeReplacesTimer(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	id := uuid.New()
	call, err := c.Register(id, "job", 5*time.Second)
	require.NoError(t, err)

	sched.Advance(500 * time.Millisecond)
	require.NoError(t, c.Acknowledge(id, time.Second))
	assert.True(t, call.Acknowledged())

	sched.Advance(999 * time.Millisecond)
	resp, err := call.Result()
	assert.Nil(t, resp)
	assert.NoError(t, err, "call finished before the acknowledgment timeout")

	sched.Advance(2 * time.Millisecond)
	_, err = call.Result()
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Acknowledged)
}

func TestCorrelatorAcknowledgeExtendsPastRequestTimeout(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	id := uuid.New()
	call, err := c.Register(id, "job", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Acknowledge(id, time.Minute))

	sched.Advance(30 * time.Second)
	resp, err := call.Result()
	assert.Nil(t, resp)
	assert.NoError(t, err)

	require.True(t, c.Complete(id, &Response{ID: id, Code: 1}))
	resp, err = call.Result()
	require.NoError(t, err)
	assert.Equal(t, protocol.Code(1), resp.Code)
}

func TestCorrelatorStaleTimerIsNoop(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	id := uuid.New()
	call, err := c.Register(id, "job", 5*time.Second)
	require.NoError(t, err)

	original := sched.timer(0)
	require.NoError(t, c.Acknowledge(id, time.Second))

	// a timer whose Stop lost the race still runs its function
	original.f()
	resp, err := call.Result()
	assert.Nil(t, resp)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	sched.Advance(time.Second)
	_, err = call.Result()
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestCorrelatorErrors(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	id := uuid.New()
	_, err := c.Register(id, "a", time.Second)
	require.NoError(t, err)

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{
			name: "duplicate id",
			fn: func() error {
				_, err := c.Register(id, "b", time.Second)
				return err
			},
			want: ErrDuplicateRequest,
		},
		{
			name: "acknowledge unknown",
			fn:   func() error { return c.Acknowledge(uuid.New(), time.Second) },
			want: ErrUnknownRequest,
		},
		{
			name: "acknowledge twice",
			fn: func() error {
				if err := c.Acknowledge(id, time.Second); err != nil {
					return err
				}
				return c.Acknowledge(id, time.Second)
			},
			want: ErrAlreadyAcknowledged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCorrelatorBoundsTimeouts(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ack     bool
		want    time.Duration
	}{
		{name: "zero request timeout", timeout: 0, want: protocol.DefaultRequestTimeout},
		{name: "negative request timeout", timeout: -time.Second, want: protocol.DefaultRequestTimeout},
		{name: "zero ack timeout", timeout: 0, ack: true, want: protocol.DefaultAckTimeout},
		{name: "negative ack timeout", timeout: -time.Hour, ack: true, want: protocol.DefaultAckTimeout},
		{name: "ack timeout above max", timeout: 24 * time.Hour, ack: true, want: protocol.MaxAckTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{}
			c := NewCorrelator(sched)

			id := uuid.New()
			reqTimeout := tt.timeout
			if tt.ack {
				reqTimeout = time.Second
			}
			call, err := c.Register(id, "bounded", reqTimeout)
			require.NoError(t, err)
			if tt.ack {
				require.NoError(t, c.Acknowledge(id, tt.timeout))
			}

			sched.Advance(tt.want - time.Millisecond)
			assert.Equal(t, 1, c.Len(), "expired early")

			sched.Advance(time.Millisecond)
			assert.Equal(t, 0, c.Len())
			_, err = call.Result()
			var terr *TimeoutError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.ack, terr.Acknowledged)
		})
	}
}

func TestCorrelatorCloseAll(t *testing.T) {
	sched := &fakeScheduler{}
	c := NewCorrelator(sched)

	calls := make([]*Call, 3)
	for i := range calls {
		var err error
		calls[i], err = c.Register(uuid.New(), "k", time.Second)
		require.NoError(t, err)
	}

	closed := errors.New("closed for test")
	c.CloseAll(closed)
	assert.Equal(t, 0, c.Len())

	for _, call := range calls {
		_, err := call.Result()
		assert.ErrorIs(t, err, closed)
	}

	_, err := c.Register(uuid.New(), "k", time.Second)
	assert.ErrorIs(t, err, closed)

	// stopped timers never fire
	sched.Advance(time.Minute)
	for _, call := range calls {
		_, err := call.Result()
		assert.ErrorIs(t, err, closed)
	}
}

func TestCallWaitContext(t *testing.T) {
	c := NewCorrelator(&fakeScheduler{})
	call, err := c.Register(uuid.New(), "k", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseErr(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		code protocol.Code
		want error
	}{
		{code: 1, want: nil},
		{code: protocol.CodeUnknownRequest, want: protocol.ErrUnknownRequest},
		{code: protocol.CodeFailure, want: protocol.ErrFailure},
		{code: protocol.CodeNotImplemented, want: protocol.ErrNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := (&Response{ID: id, Code: tt.code}).Err()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
