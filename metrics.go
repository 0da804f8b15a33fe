package binder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/binderkit/go-binder/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks transaction, reply and looper statistics for a domain.
type Metrics struct {
	// Transaction counters
	TransactionsOneWay atomic.Uint64 // BC_TRANSACTION with TF_ONE_WAY set
	TransactionsTwoWay atomic.Uint64 // BC_TRANSACTION expecting a reply
	TransactionFailures atomic.Uint64

	// Reply counters
	Replies         atomic.Uint64
	ReplyFailures   atomic.Uint64
	DeadReplies     atomic.Uint64 // BR_DEAD_REPLY delivered
	DeadBinders     atomic.Uint64 // BR_DEAD_BINDER delivered
	SpawnedLoopers  atomic.Uint64 // BR_SPAWN_LOOPER issued

	// Queue depth statistics, keyed by owner queue label.
	mu              sync.Mutex
	queueDepthTotal map[string]uint64
	queueDepthCount map[string]uint64
	maxQueueDepth   map[string]int

	// Performance tracking (latency of each Send/Reply call as reported to
	// the observer, measured up to the enqueue; not a round trip)
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{
		queueDepthTotal: make(map[string]uint64),
		queueDepthCount: make(map[string]uint64),
		maxQueueDepth:   make(map[string]int),
	}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransaction records a BC_TRANSACTION send.
func (m *Metrics) RecordTransaction(oneWay bool, latencyNs uint64, success bool) {
	if oneWay {
		m.TransactionsOneWay.Add(1)
	} else {
		m.TransactionsTwoWay.Add(1)
	}
	if !success {
		m.TransactionFailures.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReply records a BC_REPLY send.
func (m *Metrics) RecordReply(latencyNs uint64, success bool) {
	m.Replies.Add(1)
	if !success {
		m.ReplyFailures.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDeadReply records a BR_DEAD_REPLY delivered to a caller.
func (m *Metrics) RecordDeadReply() {
	m.DeadReplies.Add(1)
}

// RecordDeadBinder records a BR_DEAD_BINDER delivered to a death-notice
// requester.
func (m *Metrics) RecordDeadBinder() {
	m.DeadBinders.Add(1)
}

// RecordSpawnLooper records a BR_SPAWN_LOOPER issued to a thread.
func (m *Metrics) RecordSpawnLooper() {
	m.SpawnedLoopers.Add(1)
}

// RecordQueueDepth records the current depth of the named queue.
func (m *Metrics) RecordQueueDepth(owner string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthTotal[owner] += uint64(depth)
	m.queueDepthCount[owner]++
	if depth > m.maxQueueDepth[owner] {
		m.maxQueueDepth[owner] = depth
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the domain as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	TransactionsOneWay  uint64
	TransactionsTwoWay  uint64
	TransactionFailures uint64
	Replies             uint64
	ReplyFailures       uint64
	DeadReplies         uint64
	DeadBinders         uint64
	SpawnedLoopers      uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TransactionsOneWay:  m.TransactionsOneWay.Load(),
		TransactionsTwoWay:  m.TransactionsTwoWay.Load(),
		TransactionFailures: m.TransactionFailures.Load(),
		Replies:             m.Replies.Load(),
		ReplyFailures:       m.ReplyFailures.Load(),
		DeadReplies:         m.DeadReplies.Load(),
		DeadBinders:         m.DeadBinders.Load(),
		SpawnedLoopers:      m.SpawnedLoopers.Load(),
	}

	snap.TotalOps = snap.TransactionsOneWay + snap.TransactionsTwoWay + snap.Replies

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalFailures := snap.TransactionFailures + snap.ReplyFailures
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalFailures) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// MetricsObserver implements interfaces.Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransaction(oneWay bool, latencyNs uint64, success bool) {
	o.metrics.RecordTransaction(oneWay, latencyNs, success)
}

func (o *MetricsObserver) ObserveReply(latencyNs uint64, success bool) {
	o.metrics.RecordReply(latencyNs, success)
}

func (o *MetricsObserver) ObserveDeadReply() {
	o.metrics.RecordDeadReply()
}

func (o *MetricsObserver) ObserveDeadBinder() {
	o.metrics.RecordDeadBinder()
}

func (o *MetricsObserver) ObserveSpawnLooper() {
	o.metrics.RecordSpawnLooper()
}

func (o *MetricsObserver) ObserveQueueDepth(owner string, depth int) {
	o.metrics.RecordQueueDepth(owner, depth)
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransaction(bool, uint64, bool) {}
func (NoOpObserver) ObserveReply(uint64, bool)             {}
func (NoOpObserver) ObserveDeadReply()                     {}
func (NoOpObserver) ObserveDeadBinder()                    {}
func (NoOpObserver) ObserveSpawnLooper()                   {}
func (NoOpObserver) ObserveQueueDepth(string, int)         {}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
