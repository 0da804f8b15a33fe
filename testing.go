package binder

import (
	"fmt"
	"sync"
)

// MockLogger records every message passed to it, for assertions in tests
// that need to verify something was logged without wiring real output.
type MockLogger struct {
	mu       sync.Mutex
	messages []string
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// Printf implements Logger.
func (l *MockLogger) Printf(format string, args ...interface{}) {
	l.record(format, args...)
}

// Debugf implements Logger.
func (l *MockLogger) Debugf(format string, args ...interface{}) {
	l.record(format, args...)
}

func (l *MockLogger) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

// Messages returns every message recorded so far, in order.
func (l *MockLogger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.messages))
	copy(out, l.messages)
	return out
}

// Reset clears all recorded messages.
func (l *MockLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

var _ Logger = (*MockLogger)(nil)

// MockObserver records every metrics callback it receives, for tests that
// need to assert an observer fired without wiring the real Metrics struct.
type MockObserver struct {
	mu sync.Mutex

	Transactions []TransactionEvent
	Replies      []ReplyEvent
	DeadReplies  int
	DeadBinders  int
	SpawnLoopers int
	QueueDepths  []QueueDepthEvent
}

// TransactionEvent records one ObserveTransaction call.
type TransactionEvent struct {
	OneWay    bool
	LatencyNs uint64
	Success   bool
}

// ReplyEvent records one ObserveReply call.
type ReplyEvent struct {
	LatencyNs uint64
	Success   bool
}

// QueueDepthEvent records one ObserveQueueDepth call.
type QueueDepthEvent struct {
	Owner string
	Depth int
}

// NewMockObserver creates an empty MockObserver.
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

func (o *MockObserver) ObserveTransaction(oneWay bool, latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Transactions = append(o.Transactions, TransactionEvent{oneWay, latencyNs, success})
}

func (o *MockObserver) ObserveReply(latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Replies = append(o.Replies, ReplyEvent{latencyNs, success})
}

func (o *MockObserver) ObserveDeadReply() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.DeadReplies++
}

func (o *MockObserver) ObserveDeadBinder() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.DeadBinders++
}

func (o *MockObserver) ObserveSpawnLooper() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SpawnLoopers++
}

func (o *MockObserver) ObserveQueueDepth(owner string, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.QueueDepths = append(o.QueueDepths, QueueDepthEvent{owner, depth})
}

var _ Observer = (*MockObserver)(nil)

// TestPeers is a pair of processes opened on the same domain, convenient
// for exercising a two-party hello/reply/death-notice scenario in tests.
type TestPeers struct {
	Domain *Domain
	A      *Process
	B      *Process
}

// NewTestPeers opens two blocking-I/O processes (pidA, pidB) on a fresh
// domain. Use WriteRead with a generous read buffer and a bounded context
// to drive each side in lockstep.
func NewTestPeers(pidA, pidB int32, options *Options) (*TestPeers, error) {
	d := NewDomain(options)

	a, err := d.OpenProcess(pidA, uint32(pidA), false)
	if err != nil {
		return nil, err
	}
	b, err := d.OpenProcess(pidB, uint32(pidB), false)
	if err != nil {
		return nil, err
	}
	return &TestPeers{Domain: d, A: a, B: b}, nil
}
