package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 429, StatusOf(&StatusError{StatusCode: 429, Err: eris.New("throttled")}))
	assert.Equal(t, 503, StatusOf(eris.Wrap(&StatusError{StatusCode: 503, Err: eris.New("down")}, "outer")))
	assert.Equal(t, 500, StatusOf(NewTransientError(eris.New("ise"), 500)))
	assert.Equal(t, 0, StatusOf(eris.New("plain")))
}

func TestIsThrottle(t *testing.T) {
	assert.True(t, IsThrottle(&StatusError{StatusCode: 429, Err: eris.New("slow down")}))
	assert.False(t, IsThrottle(&StatusError{StatusCode: 500, Err: eris.New("ise")}))
	assert.False(t, IsThrottle(eris.New("plain")))
}

func TestThrottleRetryConfig_RetriesOnly429(t *testing.T) {
	cfg := ThrottleRetryConfig(time.Millisecond)
	assert.Equal(t, 5, cfg.MaxAttempts)

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 429, Err: eris.New("throttled")}
	})
	assert.Error(t, err)
	assert.Equal(t, 5, calls)

	calls = 0
	err = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 404, Err: eris.New("nope")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-throttle errors fail fast")
}

func TestServerErrorRetryConfig(t *testing.T) {
	cfg := ServerErrorRetryConfig(time.Millisecond)
	assert.Equal(t, 3, cfg.MaxAttempts)

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 502, Err: eris.New("bad gateway")}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	// Plain network transients also retry.
	calls = 0
	err = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 2 {
			return NewTransientError(eris.New("i/o timeout"), 0)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	// 4xx fails fast.
	calls = 0
	err = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 400, Err: eris.New("bad request")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestComputeBackoff_AdditiveJitterBounds(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		JitterFraction: 0,
		AdditiveJitter: time.Second,
	})
	for i := 0; i < 50; i++ {
		d := backoff(0, cfg)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 1100*time.Millisecond)
	}
}
