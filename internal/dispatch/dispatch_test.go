package dispatch

import (
	"context"
	"testing"

	"github.com/binderkit/go-binder/internal/flatobj"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/notify"
	"github.com/binderkit/go-binder/internal/proc"
	"github.com/binderkit/go-binder/internal/registry"
	"github.com/binderkit/go-binder/internal/txn"
	"github.com/binderkit/go-binder/internal/wire"
)

type harness struct {
	d      *Dispatcher
	ctxObj *registry.Object
}

func newHarness() *harness {
	dir := mqueue.NewDirectory()
	tr := flatobj.New(dir)
	h := &harness{}
	engine := txn.New(tr, func() (*registry.Object, bool) {
		if h.ctxObj == nil {
			return nil, false
		}
		return h.ctxObj, true
	}, nil, nil)
	h.d = New(engine, nil, nil)
	return h
}

// newTestProc builds a non-blocking process: every Read call in these tests
// runs to completion against queues nothing else is concurrently feeding, so
// a blocking queue would stall forever once it ran dry mid-call. Real binder
// clients run blocking; these single-goroutine tests exercise the dispatcher
// by driving both peers' Write/Read calls in lockstep instead.
func newTestProc(t *testing.T, pid int32) *proc.Process {
	t.Helper()
	p := proc.New(pid, uint32(pid), true, notify.DrainCallback())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestHelloRoundTripThroughDispatcher exercises S1 Hello purely through the
// public Write/Read entry points: B sends BC_TRANSACTION to the context
// manager A, A reads and replies, B reads the reply.
func TestHelloRoundTripThroughDispatcher(t *testing.T) {
	h := newHarness()
	a := newTestProc(t, 1)
	b := newTestProc(t, 2)
	ctx := context.Background()

	ctxObj, _ := a.Registry.InternLocal(0xA1)
	ctxObj.RealCookie = 0xC1
	h.ctxObj = ctxObj

	aThread := a.GetOrCreateThread(1, notify.DrainCallback())
	bThread := b.GetOrCreateThread(1, notify.DrainCallback())

	writeBuf := wire.AppendTransactionRequest(nil, wire.BC_TRANSACTION, wire.TransactionData{
		Target: 0,
		Code:   1,
		Data:   []byte("ping"),
	})
	if n, err := h.d.Write(ctx, b, bThread, writeBuf); err != nil || n != len(writeBuf) {
		t.Fatalf("B Write: n=%d err=%v", n, err)
	}

	readBuf := make([]byte, 4096)
	n, err := h.d.Read(ctx, b, bThread, readBuf)
	if err != nil {
		t.Fatalf("B Read (ack): %v", err)
	}
	if cmd, _, err := wire.ReadBRCmd(readBuf[:n]); err != nil || cmd != wire.BR_TRANSACTION_COMPLETE {
		t.Fatalf("B ack cmd=%v err=%v", cmd, err)
	}

	n, err = h.d.Read(ctx, a, aThread, readBuf)
	if err != nil {
		t.Fatalf("A Read (transaction): %v", err)
	}
	cmd, rest, err := wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_TRANSACTION {
		t.Fatalf("A cmd=%v err=%v", cmd, err)
	}
	td, _, err := wire.ReadTransactionHeader(rest)
	if err != nil {
		t.Fatalf("A txn header: %v", err)
	}
	if td.Target != 0xA1 || string(td.Data) != "ping" {
		t.Fatalf("td = %+v", td)
	}
	if aThread.IncomingDepth() != 1 {
		t.Fatalf("IncomingDepth = %d, want 1", aThread.IncomingDepth())
	}

	replyBuf := wire.AppendTransactionRequest(nil, wire.BC_REPLY, wire.TransactionData{Data: []byte("pong")})
	if n, err := h.d.Write(ctx, a, aThread, replyBuf); err != nil || n != len(replyBuf) {
		t.Fatalf("A Write reply: n=%d err=%v", n, err)
	}

	n, err = h.d.Read(ctx, a, aThread, readBuf)
	if err != nil {
		t.Fatalf("A Read (ack): %v", err)
	}
	if cmd, _, _ := wire.ReadBRCmd(readBuf[:n]); cmd != wire.BR_TRANSACTION_COMPLETE {
		t.Fatalf("A ack cmd=%v", cmd)
	}

	n, err = h.d.Read(ctx, b, bThread, readBuf)
	if err != nil {
		t.Fatalf("B Read (reply): %v", err)
	}
	cmd, rest, err = wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_REPLY {
		t.Fatalf("B cmd=%v err=%v", cmd, err)
	}
	replyTD, _, err := wire.ReadTransactionHeader(rest)
	if err != nil || string(replyTD.Data) != "pong" {
		t.Fatalf("replyTD=%+v err=%v", replyTD, err)
	}
	if bThread.PendingReplies() != 0 {
		t.Fatalf("PendingReplies = %d, want 0", bThread.PendingReplies())
	}
}

// TestDeathNotificationRoundTrip exercises S4 Death through the
// dispatcher: B requests a death notifier on A's object, A tears down, B
// reads exactly one BR_DEAD_BINDER carrying the registered cookie.
func TestDeathNotificationRoundTrip(t *testing.T) {
	h := newHarness()
	a := newTestProc(t, 1)
	b := newTestProc(t, 2)
	ctx := context.Background()

	aObj, _ := a.Registry.InternLocal(0xA1)
	aObj.RealCookie = 0xC1
	h.ctxObj = aObj

	aThread := a.GetOrCreateThread(1, notify.DrainCallback())
	bThread := b.GetOrCreateThread(1, notify.DrainCallback())

	// B needs a reference to 0xA1 in its own registry before it can name
	// it by binder value; simulate having received it in a prior
	// transaction by interning it directly, mirroring what C4 read
	// translation would have done.
	_, _ = b.Registry.Intern(a.Queue, 0xA1)

	reqBuf := wire.AppendNotifier(nil, wire.BC_REQUEST_DEATH_NOTIFICATION, wire.NotifierData{Binder: 0xA1, Cookie: 0xD1})
	if n, err := h.d.Write(ctx, b, bThread, reqBuf); err != nil || n != len(reqBuf) {
		t.Fatalf("B Write request: n=%d err=%v", n, err)
	}

	// A's own read pops the routed control message and attaches the
	// notifier to its local object.
	readBuf := make([]byte, 4096)
	if _, err := h.d.Read(ctx, a, aThread, readBuf); err != nil {
		t.Fatalf("A Read (process notifier request): %v", err)
	}

	// A tears down; its owned object fans out BR_DEAD_BINDER to every
	// notifier.
	notify.FireAll(ctx, a.Registry)

	n, err := h.d.Read(ctx, b, bThread, readBuf)
	if err != nil {
		t.Fatalf("B Read (dead binder): %v", err)
	}
	cmd, rest, err := wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_DEAD_BINDER {
		t.Fatalf("B cmd=%v err=%v", cmd, err)
	}
	binder, cookie, _, err := wire.ReadDeadBinderBody(rest)
	if err != nil || binder != 0xA1 || cookie != 0xD1 {
		t.Fatalf("binder=%#x cookie=%#x err=%v", binder, cookie, err)
	}
}

// TestClearDeathNotificationDone exercises the BC_CLEAR_DEATH_NOTIFICATION
// path: the clearer receives BR_CLEAR_DEATH_NOTIFICATION_DONE only when a
// matching notifier was actually found and removed.
func TestClearDeathNotificationDone(t *testing.T) {
	h := newHarness()
	a := newTestProc(t, 1)
	b := newTestProc(t, 2)
	ctx := context.Background()

	aObj, _ := a.Registry.InternLocal(0xA1)
	h.ctxObj = aObj
	aThread := a.GetOrCreateThread(1, notify.DrainCallback())
	bThread := b.GetOrCreateThread(1, notify.DrainCallback())

	_, _ = b.Registry.Intern(a.Queue, 0xA1)

	reqBuf := wire.AppendNotifier(nil, wire.BC_REQUEST_DEATH_NOTIFICATION, wire.NotifierData{Binder: 0xA1, Cookie: 0xD1})
	if _, err := h.d.Write(ctx, b, bThread, reqBuf); err != nil {
		t.Fatalf("B Write request: %v", err)
	}
	readBuf := make([]byte, 4096)
	if _, err := h.d.Read(ctx, a, aThread, readBuf); err != nil {
		t.Fatalf("A Read (process notifier request): %v", err)
	}

	clearBuf := wire.AppendNotifier(nil, wire.BC_CLEAR_DEATH_NOTIFICATION, wire.NotifierData{Binder: 0xA1, Cookie: 0xD1})
	if _, err := h.d.Write(ctx, b, bThread, clearBuf); err != nil {
		t.Fatalf("B Write clear: %v", err)
	}
	if _, err := h.d.Read(ctx, a, aThread, readBuf); err != nil {
		t.Fatalf("A Read (process clear): %v", err)
	}

	n, err := h.d.Read(ctx, b, bThread, readBuf)
	if err != nil {
		t.Fatalf("B Read (done): %v", err)
	}
	cmd, _, err := wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_CLEAR_DEATH_NOTIFICATION_DONE {
		t.Fatalf("B cmd=%v err=%v", cmd, err)
	}

	if len(aObj.DetachNotifiers()) != 0 {
		t.Fatal("notifier should already have been removed by the clear")
	}
}

// TestWriteStopsOnUnknownCommand exercises the EINVAL/truncation behavior:
// a bad record stops the parse but bytes already consumed stay in effect.
func TestWriteStopsOnUnknownCommand(t *testing.T) {
	h := newHarness()
	a := newTestProc(t, 1)
	h.ctxObj, _ = a.Registry.InternLocal(0xA1)
	aThread := a.GetOrCreateThread(1, notify.DrainCallback())
	bThread := a.GetOrCreateThread(2, notify.DrainCallback())
	ctx := context.Background()

	good := wire.AppendTransactionRequest(nil, wire.BC_TRANSACTION, wire.TransactionData{Target: 0, Data: []byte("hi")})
	buf := append(good, 0xFF, 0xFF, 0xFF, 0xFF)

	n, err := h.d.Write(ctx, a, bThread, buf)
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if n != len(good) {
		t.Fatalf("consumed = %d, want %d (only the valid record)", n, len(good))
	}

	readBuf := make([]byte, 4096)
	rn, rerr := h.d.Read(ctx, a, aThread, readBuf)
	if rerr != nil {
		t.Fatalf("A Read: %v", rerr)
	}
	if cmd, _, _ := wire.ReadBRCmd(readBuf[:rn]); cmd != wire.BR_TRANSACTION {
		t.Fatalf("expected the valid transaction to have gone through, cmd=%v", cmd)
	}
}

// TestSpawnLooperGatePrependsCommand exercises §4.7's spawn policy: once
// P.queue has more than one resident entry and capacity remains under
// max_threads, the next Read prepends BR_SPAWN_LOOPER.
func TestSpawnLooperGatePrependsCommand(t *testing.T) {
	h := newHarness()
	a := newTestProc(t, 1)
	h.ctxObj, _ = a.Registry.InternLocal(0xA1)
	a.SetMaxThreads(4)
	aThread := a.GetOrCreateThread(1, notify.DrainCallback())
	ctx := context.Background()

	// Two resident entries on P.queue: size must exceed 1 for the gate to
	// fire.
	_ = a.Queue.Write(ctx, &mqueue.Msg{Kind: mqueue.KindTransactionComplete})
	_ = a.Queue.Write(ctx, &mqueue.Msg{Kind: mqueue.KindTransactionComplete})

	readBuf := make([]byte, 4096)
	n, err := h.d.Read(ctx, a, aThread, readBuf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	cmd, rest, err := wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_SPAWN_LOOPER {
		t.Fatalf("first cmd=%v err=%v, want BR_SPAWN_LOOPER", cmd, err)
	}
	if cmd2, _, _ := wire.ReadBRCmd(rest); cmd2 != wire.BR_TRANSACTION_COMPLETE {
		t.Fatalf("second cmd=%v, want BR_TRANSACTION_COMPLETE", cmd2)
	}
	if _, _, pending := a.LooperCounts(); pending != 1 {
		t.Fatalf("pendingLoopers = %d, want 1", pending)
	}
}
