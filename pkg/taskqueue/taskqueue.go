/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package taskqueue implements the agent's single-worker, per-key
// deduplicating work queue: a burst of updates for the same object
// collapses into a single re-render, run on one cooperative goroutine
// so flow managers never need internal locking against each other.
// Grounded on original_source TaskQueue.h and everoute's
// localEndpointDB use of streamrail/concurrent-map for the same kind of
// "is this key already pending" bookkeeping.
package taskqueue

import (
	"sync"
	"time"

	cmap "github.com/streamrail/concurrent-map"
	log "github.com/Sirupsen/logrus"
)

// TaskFunc is the unit of work dispatched for a key. It must not block
// on anything other agent-loop work might be waiting on, since only
// one TaskFunc runs at a time.
type TaskFunc func(key string)

// Queue keeps at most one queued task per key: if Dispatch(k) is
// called again while k's task is still waiting to run, the call is a
// no-op — the already-queued run will observe whatever is current by
// the time it executes. The worker clears k's pending mark just before
// running the task, so a Dispatch(k) during the run queues another run.
type Queue struct {
	mu       sync.Mutex
	pending  cmap.ConcurrentMap // key -> struct{}, dedup set
	work     chan string
	fn       TaskFunc
	startAt  time.Time
	initDelay time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Queue that calls fn for each distinct key dispatched,
// delaying the first dispatch of any key until initDelay has elapsed
// since the queue was started (so a burst of startup replay doesn't
// thrash the switch before the initial sync settles).
func New(fn TaskFunc, initDelay time.Duration) *Queue {
	return &Queue{
		pending:   cmap.New(),
		work:      make(chan string, 1024),
		fn:        fn,
		initDelay: initDelay,
		stopCh:    make(chan struct{}),
	}
}

// Run starts the single worker goroutine. Blocks until Stop is called;
// callers typically invoke this with `go q.Run()`.
func (q *Queue) Run() {
	q.mu.Lock()
	q.startAt = time.Now()
	q.mu.Unlock()

	q.wg.Add(1)
	defer q.wg.Done()
	for {
		select {
		case key := <-q.work:
			q.pending.Remove(key)
			q.runOne(key)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) runOne(key string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("taskqueue: task for key %q panicked: %v", key, r)
		}
	}()

	q.mu.Lock()
	delay := q.initDelay - time.Since(q.startAt)
	q.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	q.fn(key)
}

// Dispatch schedules key for a run, collapsing with any already-pending
// dispatch of the same key.
func (q *Queue) Dispatch(key string) {
	if ok := q.pending.SetIfAbsent(key, struct{}{}); !ok {
		return
	}
	select {
	case q.work <- key:
	case <-q.stopCh:
		q.pending.Remove(key)
	}
}

// Pending reports whether key currently has an undispatched task
// queued (used by tests and by shutdown draining).
func (q *Queue) Pending(key string) bool {
	return q.pending.Has(key)
}

// Stop signals the worker to exit and waits for it to do so.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}
