package session

import "sync"

// serialQueue runs tasks in FIFO order per key. Tasks of different keys run
// concurrently; a key holds a goroutine only while it has work.
type serialQueue struct {
	mu    sync.Mutex
	lanes map[string][]func()
	wg    sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{lanes: make(map[string][]func())}
}

func (q *serialQueue) Enqueue(key string, task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.wg.Add(1)
	if pending, busy := q.lanes[key]; busy {
		q.lanes[key] = append(pending, task)
		return
	}
	q.lanes[key] = []func(){}
	go q.drain(key, task)
}

func (q *serialQueue) drain(key string, task func()) {
	for task != nil {
		task()
		q.wg.Done()

		q.mu.Lock()
		pending := q.lanes[key]
		if len(pending) == 0 {
			delete(q.lanes, key)
			task = nil
		} else {
			task = pending[0]
			q.lanes[key] = pending[1:]
		}
		q.mu.Unlock()
	}
}

// Wait blocks until every enqueued task has run
func (q *serialQueue) Wait() {
	q.wg.Wait()
}
