// Package txn implements the transaction engine (C5): BC_TRANSACTION and
// BC_REPLY encode/enqueue on the write side, and the corresponding decode
// on the delivery (read) side, per §4.4.
package txn

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/binderkit/go-binder/internal/flatobj"
	"github.com/binderkit/go-binder/internal/interfaces"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/proc"
	"github.com/binderkit/go-binder/internal/registry"
	"github.com/binderkit/go-binder/internal/wire"
)

// ErrTargetNotFound is returned by Send when handle does not resolve to any
// object the sender's registry knows (owned or reference) and is not the
// context-manager sentinel (handle zero). The caller turns this into
// BR_FAILED_REPLY.
var ErrTargetNotFound = errors.New("txn: target object not found")

// ErrTranslate is returned by Send/Reply when C4 write-translation rejects
// a descriptor. The caller turns this into BR_FAILED_REPLY.
var ErrTranslate = errors.New("txn: descriptor translation failed")

// ErrDestClosed is returned by Send/Reply when the destination queue has
// already been closed. The caller turns this into BR_DEAD_REPLY.
var ErrDestClosed = errors.New("txn: destination queue closed")

// ErrNoIncoming is returned by Reply when the replying thread has no
// outstanding incoming transaction to pop. The caller turns this into
// BR_FAILED_REPLY.
var ErrNoIncoming = errors.New("txn: no incoming transaction to reply to")

// ErrNoSpace is returned by Deliver when the caller-supplied buffer budget
// cannot fit the transaction; the message is left untouched (not yet
// pushed onto the thread's incoming stack, pending-replies not yet
// adjusted) so the caller can re-insert it at the head of the queue it was
// read from and retry on a later, larger read.
var ErrNoSpace = errors.New("txn: read buffer too small for transaction")

// ContextManager resolves the object a BC_TRANSACTION targets when its
// handle is zero (§4.8). It reports ok=false if no context manager has
// been registered yet.
type ContextManager func() (obj *registry.Object, ok bool)

// Engine ties the allocator, translator and context-manager resolver
// together to drive BC_TRANSACTION/BC_REPLY and their delivery-side
// decode. One Engine is shared by every process in a domain.
type Engine struct {
	translator *flatobj.Translator
	ctxMgr     ContextManager
	log        interfaces.Logger
	obs        interfaces.Observer
}

// New creates an Engine bound to the domain's shared translator and
// context-manager resolver. log and obs are both optional (nil is safe)
// and are used only for diagnostics: a correlation id tags each
// transaction's log lines so a request can be traced across the two
// processes it crosses.
func New(translator *flatobj.Translator, ctxMgr ContextManager, log interfaces.Logger, obs interfaces.Observer) *Engine {
	return &Engine{translator: translator, ctxMgr: ctxMgr, log: log, obs: obs}
}

// resolveTarget implements §4.4 step 1: zero handle names the context
// manager, anything else is looked up via FindByBinder (see the registry
// package's grounding note and DESIGN.md's Open Question decision on
// why this cannot be a strict find_local).
func (e *Engine) resolveTarget(senderReg *registry.Registry, handle uintptr) (*registry.Object, bool) {
	if handle == 0 {
		return e.ctxMgr()
	}
	return senderReg.FindByBinder(handle)
}

// Send implements BC_TRANSACTION from thread senderThread in senderProc.
func (e *Engine) Send(ctx context.Context, senderProc *proc.Process, senderThread *proc.Thread, td wire.TransactionData) error {
	start := time.Now()
	corrID := uuid.NewString()

	obj, ok := e.resolveTarget(senderProc.Registry, td.Target)
	if !ok {
		e.logf("txn send failed: target not found", "corr_id", corrID, "pid", senderProc.PID, "handle", td.Target)
		return ErrTargetNotFound
	}
	dest := obj.ID.Owner

	msg := mqueue.Alloc(len(td.Data), len(td.Offsets))
	copy(msg.Data(), td.Data)
	copy(msg.Offsets(), td.Offsets)

	if err := e.translator.Write(senderProc.Registry, senderProc.Queue, msg.Data(), msg.Offsets()); err != nil {
		e.logf("txn send failed: translate", "corr_id", corrID, "pid", senderProc.PID, "err", err)
		return ErrTranslate
	}

	oneWay := td.Flags.OneWay()
	msg.Kind = mqueue.KindTransaction
	msg.ObjOwner = dest
	msg.Binder = obj.ID.Binder
	msg.Code = td.Code
	msg.Flags = td.Flags
	msg.SenderPID = senderProc.PID
	msg.SenderEUID = senderProc.EUID
	if !oneWay {
		msg.ReplyQueue = senderThread.Queue
	}

	if err := dest.Write(ctx, msg); err != nil {
		e.logf("txn send failed: destination closed", "corr_id", corrID, "pid", senderProc.PID, "binder", obj.ID.Binder)
		e.observeTransaction(oneWay, time.Since(start), false)
		return ErrDestClosed
	}

	if !oneWay {
		senderThread.AddPendingReply(1)
	}

	e.logf("txn sent", "corr_id", corrID, "pid", senderProc.PID, "binder", obj.ID.Binder, "one_way", oneWay)
	e.observeTransaction(oneWay, time.Since(start), true)
	return e.writeTransactionComplete(ctx, senderThread, obj, td)
}

// Reply implements BC_REPLY from senderThread: pop the top of its incoming
// stack (LIFO), reallocate that message's buffer for the reply payload,
// and enqueue it on the original sender's reply queue.
func (e *Engine) Reply(ctx context.Context, senderProc *proc.Process, senderThread *proc.Thread, td wire.TransactionData) error {
	start := time.Now()
	corrID := uuid.NewString()

	popped, ok := senderThread.PopIncoming()
	if !ok {
		e.logf("txn reply failed: no incoming transaction", "corr_id", corrID, "pid", senderProc.PID)
		return ErrNoIncoming
	}

	dest := popped.ReplyQueue
	popped.Realloc(len(td.Data), len(td.Offsets))
	copy(popped.Data(), td.Data)
	copy(popped.Offsets(), td.Offsets)

	if err := e.translator.Write(senderProc.Registry, senderProc.Queue, popped.Data(), popped.Offsets()); err != nil {
		e.logf("txn reply failed: translate", "corr_id", corrID, "pid", senderProc.PID, "err", err)
		return ErrTranslate
	}

	popped.Kind = mqueue.KindReply
	popped.Code = td.Code
	popped.Flags = td.Flags
	popped.SenderPID = senderProc.PID
	popped.SenderEUID = senderProc.EUID
	popped.ReplyQueue = nil

	if err := dest.Write(ctx, popped); err != nil {
		e.logf("txn reply failed: destination closed", "corr_id", corrID, "pid", senderProc.PID)
		e.observeReply(time.Since(start), false)
		return ErrDestClosed
	}

	e.logf("txn replied", "corr_id", corrID, "pid", senderProc.PID)
	e.observeReply(time.Since(start), true)
	return e.writeTransactionComplete(ctx, senderThread, nil, td)
}

func (e *Engine) logf(msg string, kv ...any) {
	if e.log != nil {
		e.log.Debugf("%s %v", msg, kv)
	}
}

func (e *Engine) observeTransaction(oneWay bool, latency time.Duration, success bool) {
	if e.obs != nil {
		e.obs.ObserveTransaction(oneWay, uint64(latency.Nanoseconds()), success)
	}
}

func (e *Engine) observeReply(latency time.Duration, success bool) {
	if e.obs != nil {
		e.obs.ObserveReply(uint64(latency.Nanoseconds()), success)
	}
}

// writeTransactionComplete enqueues the zero-payload BR_TRANSACTION_COMPLETE
// ack on the calling thread's own inbox (the "owner-local fast path" of
// §4.4 step 7), consumed by the same thread on its next read.
func (e *Engine) writeTransactionComplete(ctx context.Context, th *proc.Thread, obj *registry.Object, td wire.TransactionData) error {
	ack := &mqueue.Msg{
		Kind:  mqueue.KindTransactionComplete,
		Code:  td.Code,
		Flags: td.Flags,
	}
	if obj != nil {
		ack.ObjOwner = obj.ID.Owner
		ack.Binder = obj.ID.Binder
	}
	return th.Queue.Write(ctx, ack)
}

// Deliver decodes a resident Msg into a userspace-facing TransactionData
// and reports which BRCmd it should be framed as, running C4 read
// translation in place and applying the delivery-side bookkeeping
// (§4.4's "Delivery-side (read path)"): pushing a two-way BC_TRANSACTION
// onto the receiving thread's incoming stack, or decrementing its
// pending-replies counter for a reply. bufSize is the caller's remaining
// read-buffer budget in bytes; if the encoded transaction would not fit,
// Deliver returns ErrNoSpace without mutating th or m, so the caller can
// re-insert m at the head of the queue it came from and retry later.
func (e *Engine) Deliver(receiverReg *registry.Registry, self *mqueue.Queue, th *proc.Thread, m *mqueue.Msg, bufSize int) (wire.TransactionData, wire.BRCmd, error) {
	td := wire.TransactionData{
		Target:     m.Binder,
		Code:       m.Code,
		Flags:      m.Flags,
		SenderPID:  m.SenderPID,
		SenderEUID: m.SenderEUID,
		Data:       m.Data(),
		Offsets:    m.Offsets(),
	}

	if wire.EncodedTransactionSize(td) > bufSize {
		return wire.TransactionData{}, 0, ErrNoSpace
	}

	if err := e.translator.Read(receiverReg, self, m.Data(), m.Offsets()); err != nil {
		return wire.TransactionData{}, 0, err
	}

	cmd := wire.BR_REPLY
	if m.Kind == mqueue.KindTransaction {
		cmd = wire.BR_TRANSACTION
		if !m.Flags.OneWay() {
			th.PushIncoming(m)
		}
	} else if th.PendingReplies() > 0 {
		th.AddPendingReply(-1)
	}

	return td, cmd, nil
}
