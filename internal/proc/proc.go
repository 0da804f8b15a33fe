// Package proc implements process and thread lifecycle (C9) and the
// looper thread-pool state machine (C7): registration, entry/exit, and the
// BR_SPAWN_LOOPER gate.
package proc

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/registry"
	"github.com/binderkit/go-binder/internal/wire"
)

// ErrLooperStateConflict is returned when a BC_REGISTER/ENTER/EXIT_LOOPER
// command arrives in a state that does not permit it (§4.7): re-entering
// while already ENTERED, or exiting while not ENTERED. The dispatcher turns
// this into an in-band BR_FAILED_REPLY on the issuing thread.
var ErrLooperStateConflict = errors.New("proc: looper state conflict")

// LooperState is a thread's position in the §4.7 state machine.
type LooperState int

const (
	LooperInvalid LooperState = iota
	LooperRegistered
	LooperEntered
	// LooperReady names the data model's fourth state; the source state
	// machine text never transitions a thread into it explicitly, so it is
	// carried for completeness but unreachable from the implemented
	// transitions.
	LooperReady
)

func (s LooperState) String() string {
	switch s {
	case LooperInvalid:
		return "INVALID"
	case LooperRegistered:
		return "REGISTERED"
	case LooperEntered:
		return "ENTERED"
	case LooperReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Thread is a binder_thread record: one per task that has ever called into
// the device for its process.
type Thread struct {
	ID       uint32
	Queue    *mqueue.Queue
	NonBlock bool

	mu             sync.Mutex
	state          LooperState
	pendingReplies int
	incoming       []*mqueue.Msg // LIFO stack of transactions this thread owes a reply
	errs           []wire.BRCmd  // one-shot in-band failures, FIFO
}

// State returns the thread's current looper state.
func (t *Thread) State() LooperState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PushIncoming records an incoming synchronous transaction this thread now
// owes a BC_REPLY for.
func (t *Thread) PushIncoming(m *mqueue.Msg) {
	t.mu.Lock()
	t.incoming = append(t.incoming, m)
	t.mu.Unlock()
}

// PopIncoming removes and returns the most recently pushed transaction
// (LIFO), reporting false if none is outstanding.
func (t *Thread) PopIncoming() (*mqueue.Msg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.incoming)
	if n == 0 {
		return nil, false
	}
	m := t.incoming[n-1]
	t.incoming = t.incoming[:n-1]
	return m, true
}

// IncomingDepth reports how many replies this thread currently owes.
func (t *Thread) IncomingDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.incoming)
}

// AddPendingReply adjusts the count of synchronous transactions this
// thread has initiated whose reply has not yet arrived, and returns the
// new value.
func (t *Thread) AddPendingReply(delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingReplies += delta
	return t.pendingReplies
}

// PendingReplies reports the current outstanding-reply count.
func (t *Thread) PendingReplies() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingReplies
}

// drainIncoming rewrites every transaction this thread still owes a reply
// for into a dead reply, delivered to the original sender's reply queue.
// This covers the "delivered but not yet replied" case that a queue's
// on_drop callback cannot see: by the time an entry sits on incoming it has
// already left the queue. Mirrors binder_free_thread's separate loop over
// incoming_transactions, alongside free_msg_queue(thread->queue).
func (t *Thread) drainIncoming() {
	t.mu.Lock()
	incoming := t.incoming
	t.incoming = nil
	t.mu.Unlock()

	for _, m := range incoming {
		if m.ReplyQueue == nil {
			continue
		}
		_ = m.ReplyQueue.Write(context.Background(), &mqueue.Msg{Kind: mqueue.KindDeadReply})
	}
}

// PushError latches an in-band failure for delivery on this thread's next
// read. Multiple failures accumulate and are delivered in the order
// produced (§7).
func (t *Thread) PushError(cmd wire.BRCmd) {
	t.mu.Lock()
	t.errs = append(t.errs, cmd)
	t.mu.Unlock()
}

// PopError consumes the oldest latched in-band failure, if any.
func (t *Thread) PopError() (wire.BRCmd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) == 0 {
		return 0, false
	}
	cmd := t.errs[0]
	t.errs = t.errs[1:]
	return cmd, true
}

// Process is a binder_proc record: one per open device handle.
type Process struct {
	PID      int32
	EUID     uint32
	Queue    *mqueue.Queue
	Registry *registry.Registry
	NonBlock bool

	mu             sync.Mutex // proc.lock: threads + looper counters
	threads        map[uint32]*Thread
	maxThreads     int
	numLoopers     int
	pendingLoopers int
}

// New creates a process record with its own process-wide queue and object
// registry. onDrop is the queue-close drain callback (§6.2); it is also
// used for every thread inbox this process creates.
func New(pid int32, euid uint32, nonBlock bool, onDrop mqueue.DropFunc) *Process {
	q := mqueue.New(constants.DefaultQueueCapacity, nonBlock, onDrop)
	return &Process{
		PID:      pid,
		EUID:     euid,
		Queue:    q,
		Registry: registry.New(q),
		NonBlock: nonBlock,
		threads:  make(map[uint32]*Thread),
	}
}

// SetMaxThreads sets P.max_threads (SET_MAX_THREADS ioctl).
func (p *Process) SetMaxThreads(n int) {
	p.mu.Lock()
	p.maxThreads = n
	p.mu.Unlock()
}

// GetOrCreateThread returns the thread record for id, creating it (with its
// own per-thread inbox) on first call, matching the source's lazy
// creation on first ioctl from a new pid.
func (p *Process) GetOrCreateThread(id uint32, onDrop mqueue.DropFunc) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[id]; ok {
		return th
	}
	th := &Thread{
		ID:       id,
		Queue:    mqueue.New(constants.DefaultQueueCapacity, p.NonBlock, onDrop),
		NonBlock: p.NonBlock,
	}
	p.threads[id] = th
	return th
}

// Thread looks up an existing thread record without creating one.
func (p *Process) Thread(id uint32) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[id]
	return th, ok
}

// ThreadExit tears down the calling thread's record and drains its inbox
// via the queue's drop callback (THREAD_EXIT; resolves the source's empty
// implementation per the spec's own stated resolution).
func (p *Process) ThreadExit(id uint32) {
	p.mu.Lock()
	th, ok := p.threads[id]
	if ok {
		delete(p.threads, id)
	}
	p.mu.Unlock()

	if ok {
		th.drainIncoming()
		th.Queue.Put()
	}
}

// Close tears down every thread record concurrently, then drops the
// process's own reference to its queue, draining both through the
// queue-close callback (C9, device-release).
func (p *Process) Close() error {
	p.mu.Lock()
	threads := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		threads = append(threads, th)
	}
	p.threads = make(map[uint32]*Thread)
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, th := range threads {
		th := th
		g.Go(func() error {
			th.drainIncoming()
			th.Queue.Put()
			return nil
		})
	}
	_ = g.Wait() // Put never errors; Wait just joins the drains

	p.Queue.Put()
	return nil
}

// RegisterLooper applies BC_REGISTER_LOOPER: a thread spawned in response
// to BR_SPAWN_LOOPER announces itself, decrementing pending_loopers.
func (p *Process) RegisterLooper(th *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.state != LooperInvalid {
		return ErrLooperStateConflict
	}
	th.state = LooperRegistered
	if p.pendingLoopers > 0 {
		p.pendingLoopers--
	}
	return nil
}

// EnterLooper applies BC_ENTER_LOOPER. Re-entering while already ENTERED is
// a conflict.
func (p *Process) EnterLooper(th *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.state == LooperEntered {
		return ErrLooperStateConflict
	}
	th.state = LooperEntered
	p.numLoopers++
	return nil
}

// ExitLooper applies BC_EXIT_LOOPER. Exiting while not ENTERED is a
// conflict.
func (p *Process) ExitLooper(th *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.state != LooperEntered {
		return ErrLooperStateConflict
	}
	th.state = LooperInvalid
	p.numLoopers--
	return nil
}

// MaybeSpawnLooper evaluates the spawn gate (§4.7) and, if it fires,
// reserves a pending-looper slot and reports true. The caller must only
// invoke this once it has already confirmed the read buffer has room for
// the resulting BR_SPAWN_LOOPER command word, since a true result commits
// the reservation immediately.
func (p *Process) MaybeSpawnLooper() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Queue.Size() > 1 && p.numLoopers+p.pendingLoopers < p.maxThreads {
		p.pendingLoopers++
		return true
	}
	return false
}

// LooperCounts exposes num_loopers/pending_loopers/max_threads for tests
// and diagnostics.
func (p *Process) LooperCounts() (numLoopers, pendingLoopers, maxThreads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numLoopers, p.pendingLoopers, p.maxThreads
}
