// ABOUTME: TimeoutManager expires pending requests whose deadline passes unanswered.
// ABOUTME: A single worker sleeps until the earliest deadline in a min-heap.

package minion

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// deadlineQueue orders pending requests by deadline.
type deadlineQueue []*PendingRequest

func (q deadlineQueue) Len() int           { return len(q) }
func (q deadlineQueue) Less(i, j int) bool { return q[i].Deadline.Before(q[j].Deadline) }
func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *deadlineQueue) Push(x any) {
	p := x.(*PendingRequest)
	p.heapIndex = len(*q)
	*q = append(*q, p)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*q = old[:n-1]
	return p
}

// TimeoutManager calls expire for every registered request whose deadline passes before
// some other path claims it. Requests resolved elsewhere are dropped through Cancel.
type TimeoutManager struct {
	mu    sync.Mutex
	queue deadlineQueue

	expire func(*PendingRequest)
	logger *slog.Logger

	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// NewTimeoutManager creates a manager. Call Start before registering requests.
func NewTimeoutManager(expire func(*PendingRequest), logger *slog.Logger) *TimeoutManager {
	return &TimeoutManager{
		expire:  expire,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it again has no effect.
func (m *TimeoutManager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.run()
	})
}

// Register schedules p for expiry at p.Deadline. A request already processed is ignored.
func (m *TimeoutManager) Register(p *PendingRequest) {
	m.mu.Lock()
	if p.Processed() {
		m.mu.Unlock()
		return
	}
	heap.Push(&m.queue, p)
	earliest := m.queue[0] == p
	m.mu.Unlock()

	if earliest {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Cancel unschedules p. The caller must already hold p's claim, so a Register racing with
// Cancel sees p as processed.
func (m *TimeoutManager) Cancel(p *PendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.heapIndex < 0 || p.heapIndex >= len(m.queue) || m.queue[p.heapIndex] != p {
		return
	}
	heap.Remove(&m.queue, p.heapIndex)
}

// Len returns the number of scheduled entries.
func (m *TimeoutManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stop halts the worker and drops every scheduled entry without expiring it.
func (m *TimeoutManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.stopped
		}

		m.mu.Lock()
		dropped := len(m.queue)
		for _, p := range m.queue {
			p.heapIndex = -1
		}
		m.queue = nil
		m.mu.Unlock()
		m.logger.Debug("timeout manager stopped", "dropped", dropped)
	})
}

func (m *TimeoutManager) run() {
	defer close(m.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := m.next()
		if due != nil {
			if !due.Processed() {
				m.expire(due)
			}
			continue
		}

		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

// next pops the head if its deadline has passed. Otherwise it returns how long to sleep,
// or zero when the queue is empty.
func (m *TimeoutManager) next() (*PendingRequest, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stop:
		return nil, 0
	default:
	}

	if len(m.queue) == 0 {
		return nil, 0
	}
	head := m.queue[0]
	wait := time.Until(head.Deadline)
	if wait <= 0 {
		heap.Pop(&m.queue)
		return head, 0
	}
	return nil, wait
}
