package binder

import (
	"context"
	"testing"

	"github.com/binderkit/go-binder/internal/wire"
)

// newTestDomainProc opens a non-blocking process on d: these tests drive
// both peers by hand in a single goroutine, so a WriteRead call that ran
// its internal Dispatcher.Read past the data actually queued would hang
// forever on a blocking queue (see internal/dispatch's test notes).
func newTestDomainProc(t *testing.T, d *Domain, pid int32) *Process {
	t.Helper()
	p, err := d.OpenProcess(pid, uint32(pid), true)
	if err != nil {
		t.Fatalf("OpenProcess(%d): %v", pid, err)
	}
	return p
}

// TestHelloScenario exercises S1 end to end through the public API: A
// becomes the context manager, B sends a two-way transaction to handle 0,
// A reads and replies, B reads the reply.
func TestHelloScenario(t *testing.T) {
	d := NewDomain(nil)
	a := newTestDomainProc(t, d, 1)
	b := newTestDomainProc(t, d, 2)
	ctx := context.Background()

	if err := a.BecomeContextManager(); err != nil {
		t.Fatalf("BecomeContextManager: %v", err)
	}

	write := wire.AppendTransactionRequest(nil, wire.BC_TRANSACTION, wire.TransactionData{
		Target: 0,
		Code:   1,
		Data:   []byte("ping"),
	})
	if _, _, err := b.WriteRead(ctx, 1, write, nil); err != nil {
		t.Fatalf("B write: %v", err)
	}

	readBuf := make([]byte, 4096)
	_, n, err := a.WriteRead(ctx, 1, nil, readBuf)
	if err != nil {
		t.Fatalf("A read: %v", err)
	}
	cmd, rest, err := wire.ReadBRCmd(readBuf[:n])
	if err != nil || cmd != wire.BR_TRANSACTION {
		t.Fatalf("A cmd = %v, err = %v", cmd, err)
	}
	td, _, err := wire.ReadTransactionHeader(rest)
	if err != nil {
		t.Fatalf("ReadTransactionHeader: %v", err)
	}
	if string(td.Data) != "ping" {
		t.Fatalf("A received data = %q, want ping", td.Data)
	}

	reply := wire.AppendTransactionRequest(nil, wire.BC_REPLY, wire.TransactionData{
		Data: []byte("pong"),
	})
	if _, _, err := a.WriteRead(ctx, 1, reply, nil); err != nil {
		t.Fatalf("A reply: %v", err)
	}

	bReadBuf := make([]byte, 4096)
	_, n, err = b.WriteRead(ctx, 1, nil, bReadBuf)
	if err != nil {
		t.Fatalf("B read: %v", err)
	}
	cmd, rest, err = wire.ReadBRCmd(bReadBuf[:n])
	if err != nil || cmd != wire.BR_TRANSACTION_COMPLETE {
		t.Fatalf("B first cmd = %v, err = %v", cmd, err)
	}
	cmd, rest, err = wire.ReadBRCmd(rest)
	if err != nil || cmd != wire.BR_REPLY {
		t.Fatalf("B second cmd = %v, err = %v", cmd, err)
	}
	td, _, err = wire.ReadTransactionHeader(rest)
	if err != nil {
		t.Fatalf("ReadTransactionHeader: %v", err)
	}
	if string(td.Data) != "pong" {
		t.Fatalf("B received data = %q, want pong", td.Data)
	}
}

// TestContextManagerEUID exercises S6: the first caller's euid wins; a
// second caller with a different euid is rejected with EPERM.
func TestContextManagerEUID(t *testing.T) {
	d := NewDomain(nil)
	a, err := d.OpenProcess(1, 1000, true)
	if err != nil {
		t.Fatalf("OpenProcess a: %v", err)
	}
	c, err := d.OpenProcess(2, 1001, true)
	if err != nil {
		t.Fatalf("OpenProcess c: %v", err)
	}

	if err := a.BecomeContextManager(); err != nil {
		t.Fatalf("first BecomeContextManager: %v", err)
	}

	err = c.BecomeContextManager()
	if !IsErrno(err, errnoEPERM) {
		t.Fatalf("second BecomeContextManager err = %v, want EPERM", err)
	}
}

// TestOpenProcessDuplicatePID exercises the EBUSY path of OPEN: a pid
// already registered on the domain cannot be reopened.
func TestOpenProcessDuplicatePID(t *testing.T) {
	d := NewDomain(nil)
	if _, err := d.OpenProcess(5, 5, true); err != nil {
		t.Fatalf("first OpenProcess: %v", err)
	}
	_, err := d.OpenProcess(5, 5, true)
	if !IsErrno(err, errnoEBUSY) {
		t.Fatalf("second OpenProcess err = %v, want EBUSY", err)
	}
}

// TestDomainInfo checks the diagnostic accessor reflects process and
// context-manager state.
func TestDomainInfo(t *testing.T) {
	d := NewDomain(nil)
	info := d.Info()
	if info.NumProcesses != 0 || info.ContextManager {
		t.Fatalf("initial Info = %+v", info)
	}

	a := newTestDomainProc(t, d, 1)
	if err := a.BecomeContextManager(); err != nil {
		t.Fatalf("BecomeContextManager: %v", err)
	}

	info = d.Info()
	if info.NumProcesses != 1 || !info.ContextManager {
		t.Fatalf("Info after open = %+v", info)
	}
	if info.ProtocolVersion != ProtocolVersion {
		t.Fatalf("ProtocolVersion = %d, want %d", info.ProtocolVersion, ProtocolVersion)
	}
}
