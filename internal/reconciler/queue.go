package reconciler

import "sync"

// queue serializes work per key: a key being processed is never handed out
// again until Done, and re-adds while in flight collapse into one follow-up
// pass. Different keys proceed in parallel.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	order    []string
	queued   map[string]bool
	inflight map[string]bool
	dirty    map[string]bool
	shutdown bool
}

func newQueue() *queue {
	q := &queue{
		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) Add(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	if q.inflight[key] {
		q.dirty[key] = true
		return
	}
	if q.queued[key] {
		return
	}
	q.queued[key] = true
	q.order = append(q.order, key)
	q.cond.Signal()
}

// Get blocks until a key is available or the queue shuts down.
func (q *queue) Get() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if len(q.order) == 0 {
		return "", false
	}
	key := q.order[0]
	q.order = q.order[1:]
	delete(q.queued, key)
	q.inflight[key] = true
	return key, true
}

func (q *queue) Done(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, key)
	if q.dirty[key] {
		delete(q.dirty, key)
		if !q.shutdown && !q.queued[key] {
			q.queued[key] = true
			q.order = append(q.order, key)
			q.cond.Signal()
		}
	}
}

func (q *queue) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
