// Package timer runs delayed callbacks from one min-heap: handset idle
// timeouts in the TCP server and the daily coverage run in the aggregator.
package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/smukkama/vigilant-patrol/internal/logging"
)

// TimerTask is one pending callback, keyed by ID.
type TimerTask struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int
}

// timerHeap is a min-heap of TimerTasks ordered by ExpiryAt
type timerHeap []*TimerTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	n := len(*h)
	task := x.(*TimerTask)
	task.index = n
	*h = append(*h, task)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// TimerManager runs expired callbacks on a fixed pool of workers
type TimerManager struct {
	heap     timerHeap
	mu       sync.Mutex
	wakeup   chan struct{}
	tasks    map[string]*TimerTask
	due      chan *TimerTask
	workers  int
	workerWg sync.WaitGroup
	started  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewTimerManager(workers int) *TimerManager {
	if workers <= 0 {
		workers = 1
	}
	tm := &TimerManager{
		heap:    make(timerHeap, 0),
		wakeup:  make(chan struct{}, 1),
		tasks:   make(map[string]*TimerTask),
		due:     make(chan *TimerTask, workers*4),
		workers: workers,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	heap.Init(&tm.heap)
	return tm
}

func (tm *TimerManager) Start() {
	tm.mu.Lock()
	if tm.started || tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.started = true
	tm.mu.Unlock()

	for i := 0; i < tm.workers; i++ {
		tm.workerWg.Add(1)
		go tm.worker()
	}

	go tm.run()
}

// Stop stops the timer manager. Pending tasks are discarded; callbacks
// already running are waited for.
func (tm *TimerManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	started := tm.started
	close(tm.stopCh)
	tm.mu.Unlock()

	if started {
		<-tm.doneCh
	}
	tm.workerWg.Wait()
}

// Schedule adds a new task to be executed at the specified time. A task
// with the same ID is replaced.
func (tm *TimerManager) Schedule(id string, expiryAt time.Time, callback func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrManagerStopped
	}

	if existing, ok := tm.tasks[id]; ok {
		heap.Remove(&tm.heap, existing.index)
		delete(tm.tasks, id)
	}

	task := &TimerTask{
		ID:       id,
		ExpiryAt: expiryAt,
		Callback: callback,
	}

	heap.Push(&tm.heap, task)
	tm.tasks[id] = task

	// A new earliest deadline resets the scheduler's sleep.
	if tm.heap[0] == task {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel drops a pending task and reports whether it was pending.
func (tm *TimerManager) Cancel(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&tm.heap, task.index)
	delete(tm.tasks, id)
	return true
}

func (tm *TimerManager) run() {
	defer close(tm.doneCh)
	defer close(tm.due)

	for {
		tm.mu.Lock()

		if tm.stopped {
			tm.mu.Unlock()
			return
		}

		var waitDuration time.Duration
		if tm.heap.Len() == 0 {
			waitDuration = 24 * time.Hour
		} else {
			nextTask := tm.heap[0]
			waitDuration = time.Until(nextTask.ExpiryAt)

			if waitDuration <= 0 {
				task := heap.Pop(&tm.heap).(*TimerTask)
				delete(tm.tasks, task.ID)
				tm.mu.Unlock()

				// Hand off outside the lock so callbacks may reschedule.
				select {
				case tm.due <- task:
				case <-tm.stopCh:
					return
				}
				continue
			}
		}

		tm.mu.Unlock()

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
		case <-tm.wakeup:
			timer.Stop()
		case <-tm.stopCh:
			timer.Stop()
			return
		}
	}
}

// worker runs due callbacks until the scheduler closes the queue
func (tm *TimerManager) worker() {
	defer tm.workerWg.Done()

	for task := range tm.due {
		tm.execute(task)
	}
}

func (tm *TimerManager) execute(task *TimerTask) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("task_id", task.ID).Interface("panic", r).Msg("timer callback panicked")
		}
	}()
	task.Callback()
}

func (tm *TimerManager) Stats() TimerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return TimerStats{
		ScheduledTasks: len(tm.tasks),
		Workers:        tm.workers,
	}
}

// TimerStats is reported by the server statistics log line.
type TimerStats struct {
	ScheduledTasks int
	Workers        int
}

// ErrManagerStopped is returned by Schedule after Stop.
var ErrManagerStopped = errors.New("timer manager is stopped")
