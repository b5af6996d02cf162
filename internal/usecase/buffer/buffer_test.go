package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

func msg(id string) domain.Message {
	return domain.Message{MessageID: id, ChannelID: "ch1"}
}

func TestDrainPriorityOrder(t *testing.T) {
	b := New(Config{})

	require.NoError(t, b.Enqueue(domain.LaneFollowup, msg("f1")))
	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c1")))
	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))
	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c2")))

	drained := b.Drain()
	ids := make([]string, len(drained))
	for i, m := range drained {
		ids[i] = m.MessageID
	}
	assert.Equal(t, []string{"s1", "c1", "c2", "f1"}, ids)
	assert.Empty(t, b.Drain())
}

func TestEnqueueUnknownLane(t *testing.T) {
	b := New(Config{})
	err := b.Enqueue("urgent", msg("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOverflowRejectDefault(t *testing.T) {
	b := New(Config{CollectCapacity: 2})

	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c1")))
	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c2")))
	err := b.Enqueue(domain.LaneCollect, msg("c3"))
	assert.ErrorIs(t, err, domain.ErrOverflow)
	assert.Equal(t, 2, b.Len(domain.LaneCollect))
}

func TestOverflowDropOldestKeepsLatest(t *testing.T) {
	const capacity = 3
	b := New(Config{CollectCapacity: capacity},
		WithOverflowHook(func(domain.Lane, domain.Message) OverflowDecision {
			return DropOldest
		}))

	for i := 0; i < 2*capacity; i++ {
		require.NoError(t, b.Enqueue(domain.LaneCollect, msg(fmt.Sprintf("c%d", i))))
	}

	assert.Equal(t, capacity, b.Len(domain.LaneCollect))
	queued := b.Peek(domain.LaneCollect)
	assert.Equal(t, "c3", queued[0].MessageID)
	assert.Equal(t, "c5", queued[2].MessageID)
}

func TestOverflowDropNewSilently(t *testing.T) {
	b := New(Config{SteerCapacity: 1},
		WithOverflowHook(func(domain.Lane, domain.Message) OverflowDecision {
			return DropNew
		}))

	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))
	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s2")))

	queued := b.Peek(domain.LaneSteer)
	require.Len(t, queued, 1)
	assert.Equal(t, "s1", queued[0].MessageID)
}

func TestLanesDoNotBlockEachOther(t *testing.T) {
	b := New(Config{SteerCapacity: 1, CollectCapacity: 1, FollowupCapacity: 1})

	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))
	assert.ErrorIs(t, b.Enqueue(domain.LaneSteer, msg("s2")), domain.ErrOverflow)

	// A full steer lane does not affect the others.
	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c1")))
	require.NoError(t, b.Enqueue(domain.LaneFollowup, msg("f1")))
}

func TestSteerPreemptionInvokedOnce(t *testing.T) {
	var calls []string
	b := New(Config{}, WithPreemptHook(func(inflight domain.Message) bool {
		calls = append(calls, inflight.MessageID)
		return true
	}))

	b.SetInFlight(msg("c-inflight"))
	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))

	assert.Equal(t, []string{"c-inflight"}, calls)
}

func TestNoPreemptionWithoutInFlight(t *testing.T) {
	called := false
	b := New(Config{}, WithPreemptHook(func(domain.Message) bool {
		called = true
		return false
	}))

	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))
	assert.False(t, called)
}

func TestNoPreemptionForLowerLanes(t *testing.T) {
	called := false
	b := New(Config{}, WithPreemptHook(func(domain.Message) bool {
		called = true
		return true
	}))

	b.SetInFlight(msg("inflight"))
	require.NoError(t, b.Enqueue(domain.LaneCollect, msg("c1")))
	require.NoError(t, b.Enqueue(domain.LaneFollowup, msg("f1")))
	assert.False(t, called)

	b.ClearInFlight()
	require.NoError(t, b.Enqueue(domain.LaneSteer, msg("s1")))
	assert.False(t, called)
}

func TestDispatchRoutesToDeclaredLane(t *testing.T) {
	b := New(Config{})
	m := msg("x")
	m.Lane = domain.LaneFollowup
	require.NoError(t, b.Dispatch(m))
	assert.Equal(t, 1, b.Len(domain.LaneFollowup))
}
