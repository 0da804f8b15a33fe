package proc

import (
	"context"
	"testing"

	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/wire"
)

func TestLooperStateMachine(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()
	th := p.GetOrCreateThread(1, nil)

	if err := p.EnterLooper(th); err != nil {
		t.Fatalf("EnterLooper (main thread, direct): %v", err)
	}
	if th.State() != LooperEntered {
		t.Fatalf("state = %v, want ENTERED", th.State())
	}
	if err := p.EnterLooper(th); err != ErrLooperStateConflict {
		t.Fatalf("re-entering while ACTIVE: err = %v, want ErrLooperStateConflict", err)
	}
	if err := p.ExitLooper(th); err != nil {
		t.Fatalf("ExitLooper: %v", err)
	}
	if err := p.ExitLooper(th); err != ErrLooperStateConflict {
		t.Fatalf("exiting while not ENTERED: err = %v, want ErrLooperStateConflict", err)
	}
}

func TestRegisterLooperDecrementsPending(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()
	p.SetMaxThreads(4)

	// force a pending looper reservation
	for i := 0; i < 3; i++ {
		_ = p.Queue.Write(context.Background(), &mqueue.Msg{Code: uint32(i)})
	}
	if !p.MaybeSpawnLooper() {
		t.Fatal("expected spawn gate to fire with queue depth 3 and no loopers yet")
	}
	_, pending, _ := p.LooperCounts()
	if pending != 1 {
		t.Fatalf("pendingLoopers = %d, want 1", pending)
	}

	newThread := p.GetOrCreateThread(2, nil)
	if err := p.RegisterLooper(newThread); err != nil {
		t.Fatalf("RegisterLooper: %v", err)
	}
	_, pending, _ = p.LooperCounts()
	if pending != 0 {
		t.Fatalf("pendingLoopers after register = %d, want 0", pending)
	}
	if err := p.EnterLooper(newThread); err != nil {
		t.Fatalf("EnterLooper: %v", err)
	}
	numLoopers, _, _ := p.LooperCounts()
	if numLoopers != 1 {
		t.Fatalf("numLoopers = %d, want 1", numLoopers)
	}
}

func TestSpawnGateRespectsMaxThreads(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()
	p.SetMaxThreads(1)

	for i := 0; i < 5; i++ {
		_ = p.Queue.Write(context.Background(), &mqueue.Msg{Code: uint32(i)})
	}
	th := p.GetOrCreateThread(1, nil)
	if err := p.EnterLooper(th); err != nil {
		t.Fatalf("EnterLooper: %v", err)
	}
	if p.MaybeSpawnLooper() {
		t.Fatal("spawn gate fired despite numLoopers already at max_threads")
	}
}

func TestIncomingStackIsLIFO(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()
	th := p.GetOrCreateThread(1, nil)

	m1 := &mqueue.Msg{Code: 1}
	m2 := &mqueue.Msg{Code: 2}
	th.PushIncoming(m1)
	th.PushIncoming(m2)

	got, ok := th.PopIncoming()
	if !ok || got != m2 {
		t.Fatalf("first pop = %v, want m2", got)
	}
	got, ok = th.PopIncoming()
	if !ok || got != m1 {
		t.Fatalf("second pop = %v, want m1", got)
	}
	if _, ok := th.PopIncoming(); ok {
		t.Fatal("expected empty stack")
	}
}

func TestThreadExitDrainsInboxViaDropCallback(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()

	dropped := make(chan uint32, 1)
	th := p.GetOrCreateThread(1, func(m *mqueue.Msg) { dropped <- m.Code })
	_ = th.Queue.Write(context.Background(), &mqueue.Msg{Code: 42})

	p.ThreadExit(1)

	select {
	case code := <-dropped:
		if code != 42 {
			t.Fatalf("dropped message code = %d, want 42", code)
		}
	default:
		t.Fatal("expected ThreadExit to drain the thread's inbox through onDrop")
	}

	if _, ok := p.Thread(1); ok {
		t.Fatal("thread record should be gone after ThreadExit")
	}
}

func TestThreadExitDrainsIncomingAsDeadReply(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()

	th := p.GetOrCreateThread(1, nil)
	replyQueue := mqueue.New(10, false, nil)
	defer replyQueue.Put()
	th.PushIncoming(&mqueue.Msg{Kind: mqueue.KindTransaction, ReplyQueue: replyQueue})

	p.ThreadExit(1)

	msg, ok, err := replyQueue.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected a dead reply on the sender's queue, got ok=%v err=%v", ok, err)
	}
	if msg.Kind != mqueue.KindDeadReply {
		t.Fatalf("Kind = %v, want KindDeadReply", msg.Kind)
	}
}

func TestCloseDrainsIncomingAsDeadReply(t *testing.T) {
	p := New(100, 1000, false, nil)
	th := p.GetOrCreateThread(1, nil)
	replyQueue := mqueue.New(10, false, nil)
	defer replyQueue.Put()
	th.PushIncoming(&mqueue.Msg{Kind: mqueue.KindTransaction, ReplyQueue: replyQueue})

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msg, ok, err := replyQueue.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected a dead reply on the sender's queue, got ok=%v err=%v", ok, err)
	}
	if msg.Kind != mqueue.KindDeadReply {
		t.Fatalf("Kind = %v, want KindDeadReply", msg.Kind)
	}
}

func TestErrorFIFOPreservesOrder(t *testing.T) {
	p := New(100, 1000, false, nil)
	defer p.Close()
	th := p.GetOrCreateThread(1, nil)

	th.PushError(wire.BR_FAILED_REPLY)
	th.PushError(wire.BR_DEAD_REPLY)

	cmd, ok := th.PopError()
	if !ok || cmd != wire.BR_FAILED_REPLY {
		t.Fatalf("first error = %v, want BR_FAILED_REPLY", cmd)
	}
	cmd, ok = th.PopError()
	if !ok || cmd != wire.BR_DEAD_REPLY {
		t.Fatalf("second error = %v, want BR_DEAD_REPLY", cmd)
	}
	if _, ok := th.PopError(); ok {
		t.Fatal("expected error FIFO to be drained")
	}
}

func TestCloseDrainsAllThreadsConcurrently(t *testing.T) {
	p := New(100, 1000, false, nil)
	for i := uint32(0); i < 8; i++ {
		p.GetOrCreateThread(i, nil)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Queue.Closed() {
		t.Fatal("process queue should be closed after Close")
	}
}
