// Package dispatch implements the read/write command-stream parser (C8):
// it ties the transaction engine (C5), notifier engine (C6) and looper
// controller (C7) together into the two entry points the device ioctl
// calls, per §4.6/§4.7.
package dispatch

import (
	"context"
	"errors"

	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/interfaces"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/notify"
	"github.com/binderkit/go-binder/internal/proc"
	"github.com/binderkit/go-binder/internal/txn"
	"github.com/binderkit/go-binder/internal/wire"
)

// ErrInvalid is returned by Write when the stream contains an unrecognized
// bcmd or a record whose payload fails validation; the caller turns this
// into EINVAL. Bytes already consumed by prior records in the same call
// remain in effect; the stream is truncated at the bad record.
var ErrInvalid = errors.New("dispatch: invalid command")

// Dispatcher drives one domain's write and read streams. A single
// Dispatcher is shared by every process, same as the Engine it wraps.
type Dispatcher struct {
	txn *txn.Engine
	log interfaces.Logger
	obs interfaces.Observer
}

// New creates a Dispatcher bound to the domain's shared transaction engine.
func New(engine *txn.Engine, log interfaces.Logger, obs interfaces.Observer) *Dispatcher {
	return &Dispatcher{txn: engine, log: log, obs: obs}
}

// Write parses and executes a write stream (a concatenation of
// (bcmd, payload) records) for thread th in process p, returning the
// number of bytes consumed.
func (d *Dispatcher) Write(ctx context.Context, p *proc.Process, th *proc.Thread, buf []byte) (int, error) {
	consumed := 0
	for len(buf) > 0 {
		cmd, rest, err := wire.ReadBCmd(buf)
		if err != nil {
			return consumed, ErrInvalid
		}

		switch cmd {
		case wire.BC_TRANSACTION, wire.BC_REPLY:
			td, rest2, err := wire.ReadTransactionHeader(rest)
			if err != nil {
				return consumed, ErrInvalid
			}
			rest = rest2
			d.send(ctx, p, th, cmd, td)

		case wire.BC_REQUEST_DEATH_NOTIFICATION, wire.BC_CLEAR_DEATH_NOTIFICATION:
			nd, rest2, err := wire.ReadNotifierData(rest)
			if err != nil {
				return consumed, ErrInvalid
			}
			rest = rest2
			d.requestOrClear(ctx, p, cmd, nd)

		case wire.BC_ENTER_LOOPER:
			if err := p.EnterLooper(th); err != nil {
				th.PushError(wire.BR_FAILED_REPLY)
			}

		case wire.BC_EXIT_LOOPER:
			if err := p.ExitLooper(th); err != nil {
				th.PushError(wire.BR_FAILED_REPLY)
			}

		case wire.BC_REGISTER_LOOPER:
			if err := p.RegisterLooper(th); err != nil {
				th.PushError(wire.BR_FAILED_REPLY)
			}

		default:
			d.logf("dispatch: unrecognized bcmd %v", cmd)
			return consumed, ErrInvalid
		}

		consumed += len(buf) - len(rest)
		buf = rest
	}
	return consumed, nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.log != nil {
		d.log.Debugf(format, args...)
	}
}

// send runs a BC_TRANSACTION/BC_REPLY write and turns any Engine error into
// a latched in-band failure on th, per §7's "producing call returns success
// at the ioctl layer, failure surfaces on the next read".
func (d *Dispatcher) send(ctx context.Context, p *proc.Process, th *proc.Thread, cmd wire.BCmd, td wire.TransactionData) {
	var err error
	if cmd == wire.BC_TRANSACTION {
		err = d.txn.Send(ctx, p, th, td)
	} else {
		err = d.txn.Reply(ctx, p, th, td)
	}
	switch err {
	case nil:
	case txn.ErrDestClosed:
		th.PushError(wire.BR_DEAD_REPLY)
	default:
		th.PushError(wire.BR_FAILED_REPLY)
	}
}

// requestOrClear implements §4.5's write-side half: resolve the object by
// its binder value in the requester's own registry (the same FindByBinder
// resolution BC_TRANSACTION needs, since the requester may only hold a
// reference), then route a control message to its owner's queue. The
// owner's own Read call processes it locally once it gets there.
func (d *Dispatcher) requestOrClear(ctx context.Context, p *proc.Process, cmd wire.BCmd, nd wire.NotifierData) {
	obj, ok := p.Registry.FindByBinder(nd.Binder)
	if !ok {
		return
	}
	kind := mqueue.KindDeathRequest
	if cmd == wire.BC_CLEAR_DEATH_NOTIFICATION {
		kind = mqueue.KindDeathClear
	}
	msg := &mqueue.Msg{
		Kind:       kind,
		Binder:     obj.ID.Binder,
		Cookie:     nd.Cookie,
		ReplyQueue: p.Queue,
	}
	if err := obj.ID.Owner.Write(ctx, msg); err != nil {
		d.logf("dispatch: notifier routing failed for binder %#x: %v", obj.ID.Binder, err)
	}
}

// Read fills buf with as much of the read stream as fits, per §4.6/§4.7:
// the spawn gate runs once up front, then messages are drained from
// th.Queue or p.Queue (chosen per iteration) and framed into buf until
// either the buffer runs out of room for another command word or the
// chosen queue has nothing left to deliver. On a non-blocking queue,
// running dry ends the read cleanly rather than surfacing ErrWouldBlock.
func (d *Dispatcher) Read(ctx context.Context, p *proc.Process, th *proc.Thread, buf []byte) (int, error) {
	n := 0

	if len(buf)-n >= constants.CmdWordSize && p.MaybeSpawnLooper() {
		n = len(wire.AppendBRCmd(buf[:n], wire.BR_SPAWN_LOOPER))
		if d.obs != nil {
			d.obs.ObserveSpawnLooper()
		}
	}

	for len(buf)-n >= constants.CmdWordSize {
		if cmd, ok := th.PopError(); ok {
			n = len(wire.AppendBRCmd(buf[:n], cmd))
			if cmd == wire.BR_DEAD_REPLY && d.obs != nil {
				d.obs.ObserveDeadReply()
			}
			continue
		}

		src := p.Queue
		if !th.Queue.Empty() || th.PendingReplies() > 0 {
			src = th.Queue
		}

		msg, ok, err := src.Read(ctx)
		if errors.Is(err, mqueue.ErrWouldBlock) {
			break
		}
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}

		produced, stop, err := d.frame(p, th, src, msg, buf[:n], len(buf)-n)
		if err != nil {
			return n, err
		}
		n = len(produced)
		if stop {
			return n, nil
		}
	}
	return n, nil
}

// frame decodes and encodes one popped message into out (out's existing
// content, i.e. out[:n] from the caller), returning the grown slice and
// whether Read should stop without consuming more of the queue this call
// (the ENOSPC case: msg is re-inserted at the head of src and the caller
// returns what it has so far).
func (d *Dispatcher) frame(p *proc.Process, th *proc.Thread, src *mqueue.Queue, msg *mqueue.Msg, out []byte, remaining int) ([]byte, bool, error) {
	switch msg.Kind {
	case mqueue.KindTransaction, mqueue.KindReply:
		td, brcmd, err := d.txn.Deliver(p.Registry, p.Queue, th, msg, remaining)
		if err == txn.ErrNoSpace {
			_ = src.WriteHead(msg)
			return out, true, nil
		}
		if err != nil {
			return out, true, err
		}
		return wire.AppendTransaction(out, brcmd, td), false, nil

	case mqueue.KindTransactionComplete:
		return wire.AppendBRCmd(out, wire.BR_TRANSACTION_COMPLETE), false, nil

	case mqueue.KindDeathRequest:
		_ = notify.Request(p.Registry, msg.Binder, msg.Cookie, msg.ReplyQueue)
		return out, false, nil

	case mqueue.KindDeathClear:
		if found, _ := notify.Clear(p.Registry, msg.Binder, msg.Cookie, msg.ReplyQueue); found {
			_ = msg.ReplyQueue.Write(context.Background(), &mqueue.Msg{Kind: mqueue.KindDeathClearDone})
		}
		return out, false, nil

	case mqueue.KindDeathClearDone:
		return wire.AppendBRCmd(out, wire.BR_CLEAR_DEATH_NOTIFICATION_DONE), false, nil

	case mqueue.KindDeadBinder:
		if wire.DeadBinderWireSize > remaining {
			_ = src.WriteHead(msg)
			return out, true, nil
		}
		if d.obs != nil {
			d.obs.ObserveDeadBinder()
		}
		return wire.AppendDeadBinder(out, msg.Binder, msg.Cookie), false, nil

	case mqueue.KindDeadReply:
		if d.obs != nil {
			d.obs.ObserveDeadReply()
		}
		return wire.AppendBRCmd(out, wire.BR_DEAD_REPLY), false, nil

	default:
		return out, false, nil
	}
}
