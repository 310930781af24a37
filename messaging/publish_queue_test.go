package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishQueue(t *testing.T) {
	t.Run("starts paused", func(t *testing.T) {
		ran := make(chan *publishTask, 1)
		q := newPublishQueue(3, func(task *publishTask) { ran <- task })

		require.True(t, q.push(&publishTask{}))
		queued, running, _, _ := q.stats()
		assert.Equal(t, 1, queued)
		assert.Equal(t, 0, running)

		q.resume()
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("task did not run after resume")
		}
	})

	t.Run("caps concurrency", func(t *testing.T) {
		release := make(chan struct{})
		var mu sync.Mutex
		started := 0

		var q *publishQueue
		q = newPublishQueue(2, func(task *publishTask) {
			mu.Lock()
			started++
			mu.Unlock()
			<-release
			q.done()
		})
		q.resume()

		for i := 0; i < 5; i++ {
			q.push(&publishTask{})
		}

		assert.Eventually(t, func() bool {
			_, running, _, _ := q.stats()
			return running == 2
		}, time.Second, 5*time.Millisecond)
		queued, _, _, _ := q.stats()
		assert.Equal(t, 3, queued)

		close(release)
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return started == 5
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("requeue lands at the back after the delay", func(t *testing.T) {
		q := newPublishQueue(1, func(*publishTask) {})

		q.requeue(&publishTask{attempt: 1}, 20*time.Millisecond)
		_, _, requeued, _ := q.stats()
		assert.Equal(t, 1, requeued)

		assert.Eventually(t, func() bool {
			queued, _, requeued, _ := q.stats()
			return queued == 1 && requeued == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("close discards work and timers", func(t *testing.T) {
		q := newPublishQueue(1, func(*publishTask) {})
		q.push(&publishTask{})
		q.requeue(&publishTask{}, 10*time.Millisecond)

		q.close()
		time.Sleep(30 * time.Millisecond)

		queued, _, requeued, _ := q.stats()
		assert.Zero(t, queued)
		assert.Zero(t, requeued)
		assert.False(t, q.push(&publishTask{}))
	})

	t.Run("counts drops", func(t *testing.T) {
		q := newPublishQueue(1, func(*publishTask) {})
		q.drop()
		q.drop()

		_, _, _, dropped := q.stats()
		assert.Equal(t, uint64(2), dropped)
	})
}
