package dtmf_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/dtmf"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	at   []time.Time
}

func (r *recordingSender) SendInfo(_ context.Context, digit dtmf.Digit, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, dtmf.InfoBody(digit, duration))
	r.at = append(r.at, time.Now())
	return nil
}

func (r *recordingSender) SendRFC2833(_ context.Context, digit dtmf.Digit, duration time.Duration) error {
	return r.SendInfo(context.Background(), digit, duration)
}

func TestFIFOOrderingAndPacing(t *testing.T) {
	sender := &recordingSender{}
	active := true
	q := dtmf.NewQueue(sender, func() bool { return active }, nil)
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	for _, d := range []dtmf.Digit{'1', '2', '3'} {
		q.Enqueue(dtmf.Request{Digit: d, Duration: 120 * time.Millisecond, Mode: dtmf.ModeInfo})
	}

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 3
	}, 2*time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Equal(t, "Signal=1\nDuration=120\n", sender.sent[0])
	require.Equal(t, "Signal=2\nDuration=120\n", sender.sent[1])
	require.Equal(t, "Signal=3\nDuration=120\n", sender.sent[2])

	require.GreaterOrEqual(t, sender.at[1].Sub(sender.at[0]), 159*time.Millisecond)
	require.GreaterOrEqual(t, sender.at[2].Sub(sender.at[1]), 159*time.Millisecond)
}

func TestQueueStatusTracksPendingCount(t *testing.T) {
	var statuses []dtmf.QueueStatus
	var mu sync.Mutex
	sender := &recordingSender{}
	active := true
	q := dtmf.NewQueue(sender, func() bool { return active }, func(s dtmf.QueueStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})
	// Enqueue before Start so the three enqueue statuses (1, 2, 3 pending)
	// are published before the drainer can dequeue anything.
	q.Enqueue(dtmf.Request{Digit: '1', Duration: 10 * time.Millisecond})
	q.Enqueue(dtmf.Request{Digit: '2', Duration: 10 * time.Millisecond})
	q.Enqueue(dtmf.Request{Digit: '3', Duration: 10 * time.Millisecond})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	require.Equal(t, 3, statuses[2].PendingCount)
}

func TestStopFlushesPendingAsAborted(t *testing.T) {
	sender := &recordingSender{}
	active := false
	var lastStatus dtmf.QueueStatus
	var mu sync.Mutex
	q := dtmf.NewQueue(sender, func() bool { return active }, func(s dtmf.QueueStatus) {
		mu.Lock()
		defer mu.Unlock()
		lastStatus = s
	})
	require.NoError(t, q.Start(context.Background()))

	q.Enqueue(dtmf.Request{Digit: '5', Duration: 10 * time.Millisecond})
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, lastStatus.PendingCount)
}
