package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueStrictPriorityWithinAccount(t *testing.T) {
	q := newQueue()
	q.push(&Task{Account: "a", Priority: PriAttachment, Kind: TaskAttachmentFetch})
	q.push(&Task{Account: "a", Priority: PriBackfill, Kind: TaskEnvelopeBatch})
	q.push(&Task{Account: "a", Priority: PriRecent, Kind: TaskEnvelopeBatch})
	q.push(&Task{Account: "a", Priority: PriIncremental, Kind: TaskEnvelopeBatch})

	var got []Priority
	for i := 0; i < 4; i++ {
		task, ok := q.pop()
		require.True(t, ok)
		got = append(got, task.Priority)
	}
	require.Equal(t, []Priority{PriRecent, PriIncremental, PriBackfill, PriAttachment}, got)
}

func TestQueueRoundRobinAcrossAccounts(t *testing.T) {
	q := newQueue()
	for i := 0; i < 3; i++ {
		q.push(&Task{Account: "a", Priority: PriRecent})
		q.push(&Task{Account: "b", Priority: PriRecent})
	}

	var order []string
	for i := 0; i < 6; i++ {
		task, ok := q.pop()
		require.True(t, ok)
		order = append(order, task.Account)
	}
	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order,
		"no account may starve another")
}

func TestQueueDropDiscardsPending(t *testing.T) {
	q := newQueue()
	q.push(&Task{Account: "a", Priority: PriRecent})
	q.push(&Task{Account: "b", Priority: PriRecent})
	q.drop("a")

	task, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, "b", task.Account)
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := newQueue()
	done := make(chan struct{})
	go func() {
		_, ok := q.pop()
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	q.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on close")
	}
}

func TestBackoffSequence(t *testing.T) {
	require.Equal(t, time.Second, Backoff(1))
	require.Equal(t, 2*time.Second, Backoff(2))
	require.Equal(t, 4*time.Second, Backoff(3))
	require.Equal(t, 8*time.Second, Backoff(4))
	require.Equal(t, 60*time.Second, Backoff(7))
	require.Equal(t, 60*time.Second, Backoff(40), "shift overflow clamps")
}
