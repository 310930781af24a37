package messaging

import (
	"sync"
	"time"
)

type publishTask struct {
	fn      PublishFunc
	attempt int
}

// publishQueue is a FIFO work queue with a concurrency cap that can be
// paused. Tasks are popped from the front and handed to run on their own
// goroutine; run must call done when it finishes.
type publishQueue struct {
	run func(*publishTask)

	mu          sync.Mutex
	items       []*publishTask
	concurrency int
	running     int
	paused      bool
	closed      bool
	timers      map[*time.Timer]struct{}
	dropped     uint64
}

func newPublishQueue(concurrency int, run func(*publishTask)) *publishQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &publishQueue{
		run:         run,
		concurrency: concurrency,
		paused:      true,
		timers:      make(map[*time.Timer]struct{}),
	}
}

func (q *publishQueue) push(task *publishTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, task)
	q.dispatchLocked()
	return true
}

// requeue pushes task to the back of the queue after delay
func (q *publishQueue) requeue(task *publishTask, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, live := q.timers[timer]
		delete(q.timers, timer)
		q.mu.Unlock()

		if live {
			q.push(task)
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *publishQueue) drop() {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
}

func (q *publishQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	q.dispatchLocked()
}

func (q *publishQueue) pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *publishQueue) resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = false
	q.dispatchLocked()
}

func (q *publishQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}

func (q *publishQueue) dispatchLocked() {
	for !q.paused && !q.closed && q.running < q.concurrency && len(q.items) > 0 {
		task := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.running++
		go q.run(task)
	}
}

func (q *publishQueue) stats() (queued, running, requeued int, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.running, len(q.timers), q.dropped
}
