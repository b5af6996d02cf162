package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

type recordingDispatcher struct {
	sent []domain.Message
	err  error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, msg domain.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestTrackAssignsIncreasingIDs(t *testing.T) {
	tr := New(Config{}, nil, nil)

	var prev string
	for i := 0; i < 20; i++ {
		m := tr.Track("n1", domain.Message{ChannelID: "c"})
		require.NotEmpty(t, m.MessageID)
		if prev != "" {
			assert.Greater(t, m.MessageID, prev)
		}
		prev = m.MessageID
	}
}

func TestAckClearsPending(t *testing.T) {
	tr := New(Config{}, nil, nil)
	m := tr.Track("n1", domain.Message{})

	require.Len(t, tr.PendingFor("n1"), 1)
	assert.True(t, tr.Ack(m.MessageID))
	assert.Empty(t, tr.PendingFor("n1"))
}

func TestAckIdempotent(t *testing.T) {
	tr := New(Config{}, nil, nil)
	m := tr.Track("n1", domain.Message{})

	assert.True(t, tr.Ack(m.MessageID))
	assert.False(t, tr.Ack(m.MessageID))
	assert.False(t, tr.Ack("unknown"))
	assert.Empty(t, tr.PendingFor("n1"))
}

func TestRedeliverPreservesOrder(t *testing.T) {
	tr := New(Config{}, nil, nil)
	m1 := tr.Track("n1", domain.Message{Lane: domain.LaneSteer})
	m2 := tr.Track("n1", domain.Message{Lane: domain.LaneCollect})
	m3 := tr.Track("n1", domain.Message{Lane: domain.LaneFollowup})
	tr.Track("n2", domain.Message{}) // other node, untouched

	d := &recordingDispatcher{}
	tr.Redeliver(context.Background(), "n1", d)

	require.Len(t, d.sent, 3)
	assert.Equal(t, m1.MessageID, d.sent[0].MessageID)
	assert.Equal(t, m2.MessageID, d.sent[1].MessageID)
	assert.Equal(t, m3.MessageID, d.sent[2].MessageID)

	pending := tr.PendingFor("n1")
	require.Len(t, pending, 3)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Len(t, tr.PendingFor("n2"), 1)
}

func TestRedeliverDeadLettersOverCap(t *testing.T) {
	var dead []Pending
	tr := New(Config{MaxAttempts: 2}, func(p Pending, _ error) { dead = append(dead, p) }, nil)

	m := tr.Track("n1", domain.Message{})
	d := &recordingDispatcher{}

	tr.Redeliver(context.Background(), "n1", d) // attempts 1 -> 2
	require.Len(t, d.sent, 1)
	require.Empty(t, dead)

	tr.Redeliver(context.Background(), "n1", d) // at cap: dead-lettered
	assert.Len(t, d.sent, 1)
	require.Len(t, dead, 1)
	assert.Equal(t, m.MessageID, dead[0].MessageID)
	assert.Empty(t, tr.PendingFor("n1"))
}

func TestSweepExpiresOldEntries(t *testing.T) {
	var dead []Pending
	tr := New(Config{Expiry: time.Minute}, func(p Pending, _ error) { dead = append(dead, p) }, nil)

	m := tr.Track("n1", domain.Message{})

	tr.Sweep(context.Background(), time.Now())
	assert.Empty(t, dead)

	tr.Sweep(context.Background(), time.Now().Add(2*time.Minute))
	require.Len(t, dead, 1)
	assert.Equal(t, m.MessageID, dead[0].MessageID)
	assert.Empty(t, tr.PendingFor("n1"))
}

func TestSweepDisabledWithoutExpiry(t *testing.T) {
	tr := New(Config{}, nil, nil)
	tr.Track("n1", domain.Message{})

	tr.Sweep(context.Background(), time.Now().Add(24*time.Hour))
	assert.Len(t, tr.PendingFor("n1"), 1)
}
