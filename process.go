package binder

import (
	"context"

	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/notify"
	"github.com/binderkit/go-binder/internal/proc"
	"github.com/binderkit/go-binder/internal/registry"
)

// Process is one open handle on a Domain (one binder_proc). Callers get one
// by calling Domain.OpenProcess.
type Process struct {
	proc   *proc.Process
	domain *Domain
}

// PID returns the process id this handle was opened with.
func (p *Process) PID() int32 { return p.proc.PID }

// EUID returns the effective uid this handle was opened with.
func (p *Process) EUID() uint32 { return p.proc.EUID }

// WriteRead implements the BINDER_WRITE_READ ioctl: writeBuf is parsed as a
// stream of BC_* commands on behalf of the calling thread tid, then readBuf
// is filled with as much of that thread's (and the process's) pending BR_*
// stream as fits. Either buffer may be empty — a write-only or read-only
// call is legal, matching the source's write_size==0/read_size==0 cases.
//
// tid identifies the calling OS thread (binder_thread records are created
// lazily on first use, same as the kernel driver does for a new task).
func (p *Process) WriteRead(ctx context.Context, tid uint32, writeBuf, readBuf []byte) (writeConsumed, readProduced int, err error) {
	th := p.proc.GetOrCreateThread(tid, notify.DrainCallback())

	if len(writeBuf) > 0 {
		writeConsumed, err = p.domain.dispatcher.Write(ctx, p.proc, th, writeBuf)
		if err != nil {
			return writeConsumed, 0, NewThreadError("WRITE_READ", p.proc.PID, tid, ErrCodeInvalid, err.Error())
		}
	}

	if len(readBuf) > 0 {
		readProduced, err = p.domain.dispatcher.Read(ctx, p.proc, th, readBuf)
		if err != nil {
			return writeConsumed, readProduced, NewThreadError("WRITE_READ", p.proc.PID, tid, ErrCodeInvalid, err.Error())
		}
	}

	return writeConsumed, readProduced, nil
}

// SetMaxThreads implements the BINDER_SET_MAX_THREADS ioctl: the maximum
// number of looper threads this process is willing to spawn in response to
// BR_SPAWN_LOOPER.
func (p *Process) SetMaxThreads(n int) {
	p.proc.SetMaxThreads(n)
}

// BecomeContextManager implements the BINDER_SET_CONTEXT_MGR ioctl (§4.8).
// The first caller on the domain wins; a later caller with a different
// euid gets ErrCodePermission (EPERM), matching scenario S6.
func (p *Process) BecomeContextManager() error {
	return p.domain.becomeContextManager(p.proc)
}

// ThreadExit implements the BINDER_THREAD_EXIT ioctl: tears down the named
// thread's record and drains its inbox.
func (p *Process) ThreadExit(tid uint32) {
	p.proc.ThreadExit(tid)
}

// Version implements the BINDER_VERSION ioctl.
func (p *Process) Version() int {
	return constants.ProtocolVersion
}

// LooperCounts exposes num_loopers/pending_loopers/max_threads for
// diagnostics and tests.
func (p *Process) LooperCounts() (numLoopers, pendingLoopers, maxThreads int) {
	return p.proc.LooperCounts()
}

// registry exposes the low-level object registry for tests and advanced
// callers that need to pre-seed a reference (e.g. simulating a binder
// value received in an earlier transaction).
func (p *Process) registry() *registry.Registry { return p.proc.Registry }

// queue exposes the low-level process inbox for tests that need to
// establish a reference pointing at this process directly.
func (p *Process) queue() *mqueue.Queue { return p.proc.Queue }

// Close implements device release: owned objects fire death notices to
// every process that registered one, then every queue this process holds
// is drained and dropped.
func (p *Process) Close(ctx context.Context) error {
	return p.domain.closeProcess(ctx, p.proc)
}
