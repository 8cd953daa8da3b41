package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// waiter is a one-shot suspension record for a blocked read. The
// channel is buffered so a notifier never blocks handing over the
// result, and removal from the registry before send guarantees each
// waiter resolves at most once.
type waiter struct {
	id     string
	path   string
	offset Offset
	ch     chan WaitResult
}

// waiterRegistry tracks pending waiters per path. Every substrate owns
// one; waiters never survive the process.
type waiterRegistry struct {
	mu    sync.Mutex
	paths map[string]map[string]*waiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{paths: make(map[string]map[string]*waiter)}
}

// enroll registers a waiter for new data past offset. The caller must
// hold the same critical section appends use, so an append committed
// after enrollment is guaranteed to notify this waiter.
func (r *waiterRegistry) enroll(path string, offset Offset) *waiter {
	w := &waiter{
		id:     uuid.NewString(),
		path:   path,
		offset: offset,
		ch:     make(chan WaitResult, 1),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.paths[path]
	if byID == nil {
		byID = make(map[string]*waiter)
		r.paths[path] = byID
	}
	byID[w.id] = w
	return w
}

// remove unlinks a waiter, typically on timeout or cancellation. If the
// waiter is already gone a notifier won its race and the result sits in
// the channel.
func (r *waiterRegistry) remove(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.paths[w.path]
	if byID == nil {
		return
	}
	delete(byID, w.id)
	if len(byID) == 0 {
		delete(r.paths, w.path)
	}
}

// notify resolves every waiter satisfied by an append that moved the
// tail to next, where chunk holds the bytes of that append. Waiters at
// or past the new tail stay enrolled for a later append.
func (r *waiterRegistry) notify(path string, chunk []byte, next Offset) {
	now := time.Now()
	chunkStart := next.Pos - uint64(len(chunk))

	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.paths[path]
	for id, w := range byID {
		if w.offset.Pos >= next.Pos {
			continue
		}
		delete(byID, id)
		rel := uint64(0)
		if w.offset.Pos > chunkStart {
			rel = w.offset.Pos - chunkStart
		}
		w.ch <- WaitResult{
			Messages: []Message{{
				Data:      chunk[rel:],
				Offset:    w.offset,
				Timestamp: now,
			}},
			NextOffset: next,
		}
	}
	if len(byID) == 0 {
		delete(r.paths, path)
	}
}

// dropAll resolves every waiter on a path with an empty result. Readers
// treat this as "no new data, stream vanished" and re-probe the store.
func (r *waiterRegistry) dropAll(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.paths[path] {
		delete(r.paths[path], id)
		w.ch <- WaitResult{NextOffset: w.offset}
	}
	delete(r.paths, path)
}

// dropEverything resolves all waiters on all paths, used at shutdown.
func (r *waiterRegistry) dropEverything() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, byID := range r.paths {
		for id, w := range byID {
			delete(byID, id)
			w.ch <- WaitResult{NextOffset: w.offset}
		}
		delete(r.paths, path)
	}
}

// count reports pending waiters for a path.
func (r *waiterRegistry) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths[path])
}

// await races a waiter's resolution against the timeout and the
// caller's context. After losing the race it re-checks the channel, so
// a notification that landed concurrently is still delivered instead of
// dropped.
func (r *waiterRegistry) await(ctx context.Context, w *waiter, timeout time.Duration) (WaitResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res, nil
	case <-timer.C:
		r.remove(w)
		select {
		case res := <-w.ch:
			return res, nil
		default:
		}
		return WaitResult{NextOffset: w.offset, TimedOut: true}, nil
	case <-ctx.Done():
		r.remove(w)
		select {
		case res := <-w.ch:
			return res, nil
		default:
		}
		return WaitResult{}, ctx.Err()
	}
}

// pathLocks hands out one mutex per stream path so substrates with
// remote backing can serialize mutations without a store-wide lock.
// Locks are never discarded; the table is bounded by the set of paths
// an instance has touched.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[path]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}
