package makeparallel

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// priorityTask is one entry in the priority max-heap. Higher priority
// pops first; equal priorities resolve FIFO via seq.
type priorityTask struct {
	priority int64
	seq      uint64
	run      func()
}

// priorityHeapImpl implements container/heap.Interface as a max-heap on
// priority, min-heap on seq among ties.
type priorityHeapImpl []*priorityTask

func (h priorityHeapImpl) Len() int { return len(h) }
func (h priorityHeapImpl) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeapImpl) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeapImpl) Push(x any)   { *h = append(*h, x.(*priorityTask)) }
func (h *priorityHeapImpl) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// prioritySupervisor owns the priority heap and the singleton consumer
// goroutine that drains it, matching the "supervisor of the priority
// consumer" component: a start/stop lifecycle around one long-lived
// worker, with a bounded join on stop.
type prioritySupervisor struct {
	mu   sync.Mutex
	heap priorityHeapImpl
	seq  atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newPrioritySupervisor() *prioritySupervisor {
	return &prioritySupervisor{}
}

// push enqueues a task under the heap's own lock; it must never be called
// while holding any other runtime lock, and must never itself be held
// across task execution.
func (s *prioritySupervisor) push(priority int64, run func()) {
	task := &priorityTask{priority: priority, seq: s.seq.Add(1), run: run}
	s.mu.Lock()
	heap.Push(&s.heap, task)
	s.mu.Unlock()
}

func (s *prioritySupervisor) pop() (*priorityTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&s.heap).(*priorityTask), true
}

// start spawns the consumer goroutine if not already running. Restarting
// after a stop picks up whatever is still queued, per the spec's
// "stopped then restarted" boundary behavior.
func (s *prioritySupervisor) start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.consume()
}

func (s *prioritySupervisor) consume() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		task, ok := s.pop()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		task.run()
	}
}

// stop clears the running flag and joins the consumer with a 5s bound.
func (s *prioritySupervisor) stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("makeparallel: priority consumer did not stop within bound")
	}
}

func (s *prioritySupervisor) isRunning() bool { return s.running.Load() }
