package hookbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

func newTestBus() *Bus {
	return New(Config{DefaultTimeout: time.Second}, nil)
}

func TestInterceptorPriorityOrder(t *testing.T) {
	b := newTestBus()
	var ran []string
	mk := func(name string) Handler {
		return func(context.Context, any) (Result, error) {
			ran = append(ran, name)
			return Continue(), nil
		}
	}
	b.On("beforeSend", mk("late"), Options{Priority: 10})
	b.On("beforeSend", mk("early"), Options{Priority: 1})
	b.On("beforeSend", mk("mid-a"), Options{Priority: 5})
	b.On("beforeSend", mk("mid-b"), Options{Priority: 5})

	_, err := b.EmitInterceptor(context.Background(), "beforeSend", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid-a", "mid-b", "late"}, ran)
}

func TestInterceptorWaterfallsModifiedData(t *testing.T) {
	b := newTestBus()
	b.On("beforeSend", func(_ context.Context, data any) (Result, error) {
		return Modify(data.(string) + "+first"), nil
	}, Options{Priority: 1})
	b.On("beforeSend", func(_ context.Context, data any) (Result, error) {
		return Modify(data.(string) + "+second"), nil
	}, Options{Priority: 2})

	res, err := b.EmitInterceptor(context.Background(), "beforeSend", "msg")
	require.NoError(t, err)
	assert.Equal(t, "msg+first+second", res.Data)
}

func TestInterceptorBlockShortCircuits(t *testing.T) {
	b := newTestBus()
	var lateRan bool
	b.On("beforeSend", func(context.Context, any) (Result, error) {
		return Block("policy"), nil
	}, Options{Priority: 1})
	b.On("beforeSend", func(context.Context, any) (Result, error) {
		lateRan = true
		return Continue(), nil
	}, Options{Priority: 2})

	res, err := b.EmitInterceptor(context.Background(), "beforeSend", "msg")
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "policy", res.Reason)
	assert.False(t, lateRan)
}

func TestInterceptorRejectsInvalidResult(t *testing.T) {
	b := newTestBus()
	b.On("beforeSend", func(context.Context, any) (Result, error) {
		return Result{Action: "approve"}, nil
	}, Options{})

	_, err := b.EmitInterceptor(context.Background(), "beforeSend", nil)
	assert.ErrorIs(t, err, domain.ErrHookResult)
}

func TestInterceptorHandlerErrorAborts(t *testing.T) {
	b := newTestBus()
	b.On("beforeSend", func(context.Context, any) (Result, error) {
		return Result{}, fmt.Errorf("boom")
	}, Options{Priority: 1})
	var lateRan bool
	b.On("beforeSend", func(context.Context, any) (Result, error) {
		lateRan = true
		return Continue(), nil
	}, Options{Priority: 2})

	_, err := b.EmitInterceptor(context.Background(), "beforeSend", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beforeSend")
	assert.False(t, lateRan)
}

func TestHandlerTimeout(t *testing.T) {
	b := newTestBus()
	b.On("beforeSend", func(ctx context.Context, _ any) (Result, error) {
		<-ctx.Done()
		return Continue(), nil
	}, Options{Timeout: 10 * time.Millisecond})

	_, err := b.EmitInterceptor(context.Background(), "beforeSend", nil)
	assert.ErrorIs(t, err, domain.ErrHookTimeout)
}

func TestObserverErrorsIsolated(t *testing.T) {
	b := newTestBus()
	var reported []string
	b.OnObserverError(func(event string, err error) {
		reported = append(reported, event+": "+err.Error())
	})

	var second bool
	b.On("messageReceived", func(context.Context, any) (Result, error) {
		return Result{}, fmt.Errorf("bad observer")
	}, Options{Priority: 1})
	b.On("messageReceived", func(context.Context, any) (Result, error) {
		second = true
		return Result{}, nil
	}, Options{Priority: 2})

	err := b.EmitObserver(context.Background(), "messageReceived", nil)
	require.NoError(t, err)
	assert.True(t, second)
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0], "messageReceived")
}

func TestDisposerUnregisters(t *testing.T) {
	b := newTestBus()
	var count int
	dispose := b.On("ev", func(context.Context, any) (Result, error) {
		count++
		return Continue(), nil
	}, Options{})

	_, err := b.EmitInterceptor(context.Background(), "ev", nil)
	require.NoError(t, err)
	dispose()
	_, err = b.EmitInterceptor(context.Background(), "ev", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOnceRunsExactlyOnce(t *testing.T) {
	b := newTestBus()
	var count int
	b.Once("ev", func(context.Context, any) (Result, error) {
		count++
		return Continue(), nil
	}, Options{})

	for i := 0; i < 3; i++ {
		_, err := b.EmitInterceptor(context.Background(), "ev", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, count)
}

func TestOnceNotConsumedByNonMatchingEvent(t *testing.T) {
	b := newTestBus()
	var count int
	b.Once("ev", func(context.Context, any) (Result, error) {
		count++
		return Continue(), nil
	}, Options{Match: func(data any) bool { return data == "wanted" }})

	_, err := b.EmitInterceptor(context.Background(), "ev", "other")
	require.NoError(t, err)
	_, err = b.EmitInterceptor(context.Background(), "ev", "wanted")
	require.NoError(t, err)
	_, err = b.EmitInterceptor(context.Background(), "ev", "wanted")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOnceConsumedByError(t *testing.T) {
	b := newTestBus()
	var count int
	b.Once("ev", func(context.Context, any) (Result, error) {
		count++
		return Result{}, fmt.Errorf("fails")
	}, Options{})

	_, err := b.EmitInterceptor(context.Background(), "ev", nil)
	require.Error(t, err)
	_, err = b.EmitInterceptor(context.Background(), "ev", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMatchSkipsHandler(t *testing.T) {
	b := newTestBus()
	var ran bool
	b.On("ev", func(context.Context, any) (Result, error) {
		ran = true
		return Continue(), nil
	}, Options{Match: func(data any) bool { return false }})

	_, err := b.EmitInterceptor(context.Background(), "ev", "x")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestReentrancyDepthLimit(t *testing.T) {
	b := New(Config{MaxDepth: 3, DefaultTimeout: time.Second}, nil)

	var deepest int
	var handler Handler
	handler = func(ctx context.Context, _ any) (Result, error) {
		deepest = depth(ctx)
		_, err := b.EmitInterceptor(ctx, "ev", nil)
		if err != nil {
			return Result{}, err
		}
		return Continue(), nil
	}
	b.On("ev", handler, Options{})

	_, err := b.EmitInterceptor(context.Background(), "ev", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReentrancy)
	assert.Equal(t, 3, deepest)
}

func TestConcurrentEmitsHaveIndependentDepth(t *testing.T) {
	b := New(Config{MaxDepth: 2, DefaultTimeout: time.Second}, nil)
	b.On("ev", func(ctx context.Context, _ any) (Result, error) {
		// One nested emit is within the cap for a fresh context.
		if depth(ctx) == 1 {
			if _, err := b.EmitInterceptor(ctx, "other", nil); err != nil {
				return Result{}, err
			}
		}
		return Continue(), nil
	}, Options{})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := b.EmitInterceptor(context.Background(), "ev", nil)
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-done)
	}
}

func TestRegistrationDuringEmitDoesNotAffectSnapshot(t *testing.T) {
	b := newTestBus()
	var extraRan bool
	b.On("ev", func(context.Context, any) (Result, error) {
		b.On("ev", func(context.Context, any) (Result, error) {
			extraRan = true
			return Continue(), nil
		}, Options{})
		return Continue(), nil
	}, Options{})

	_, err := b.EmitInterceptor(context.Background(), "ev", nil)
	require.NoError(t, err)
	assert.False(t, extraRan)

	_, err = b.EmitInterceptor(context.Background(), "ev", nil)
	require.NoError(t, err)
	assert.True(t, extraRan)
}
