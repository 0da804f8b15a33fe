package mqueue

import "sync"

// Directory assigns small, stable, wire-safe tokens to queues that need to
// travel as a flat_object's cookie field. Implementations are free to use
// any comparable, process-unique token for owner identity (§9 "pointer as
// identity"); this one is a handle table with a monotonic counter rather
// than reinterpreting a *Queue as a raw uintptr, which would let the
// garbage collector reclaim a queue still referenced only through that
// cast-away pointer.
type Directory struct {
	mu      sync.Mutex
	byQueue map[*Queue]uintptr
	byToken map[uintptr]*Queue
	next    uintptr
}

// NewDirectory creates an empty token directory. One Directory is shared
// domain-wide: cookie tokens must mean the same thing to every process
// talking through the same dispatcher.
func NewDirectory() *Directory {
	return &Directory{
		byQueue: make(map[*Queue]uintptr),
		byToken: make(map[uintptr]*Queue),
		next:    1,
	}
}

// TokenFor returns q's token, minting one on first use.
func (d *Directory) TokenFor(q *Queue) uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.byQueue[q]; ok {
		return t
	}
	t := d.next
	d.next++
	d.byQueue[q] = t
	d.byToken[t] = q
	return t
}

// Lookup resolves a token back to its queue.
func (d *Directory) Lookup(token uintptr) (*Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.byToken[token]
	return q, ok
}

// Release forgets q's token, if it has one. Callers must only release a
// queue once it is closed and will never be looked up again; otherwise a
// later TokenFor(q) call would mint a fresh token for the same queue.
func (d *Directory) Release(q *Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.byQueue[q]
	if !ok {
		return
	}
	delete(d.byQueue, q)
	delete(d.byToken, t)
}
