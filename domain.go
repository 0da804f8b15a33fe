// Package binder provides the public API for an in-process binder-style IPC
// domain: an object registry, a synchronous transaction engine, death
// notifications and a looper thread-pool handshake, modeled on the Android
// binder driver's ioctl surface but implemented as a userspace library.
package binder

import (
	"context"
	"sync"

	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/dispatch"
	"github.com/binderkit/go-binder/internal/flatobj"
	"github.com/binderkit/go-binder/internal/interfaces"
	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/notify"
	"github.com/binderkit/go-binder/internal/proc"
	"github.com/binderkit/go-binder/internal/registry"
	"github.com/binderkit/go-binder/internal/txn"
)

// Logger is the public logging interface, satisfied by *logging.Logger and
// any adapter a caller supplies.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is the public metrics interface; see interfaces.Observer for the
// method contract implementations must honor.
type Observer = interfaces.Observer

// Options configures a Domain.
type Options struct {
	// Logger receives debug/info messages (if nil, no logging).
	Logger Logger

	// Observer receives metrics callbacks (if nil, a built-in Metrics is
	// wired up and exposed via Domain.Metrics).
	Observer Observer
}

// Domain is one binder device: every process that opens it shares the same
// object registry namespace, transaction engine, and context-manager slot.
// This mirrors §4.8's "exactly one context manager per device" — one Domain
// is one device.
type Domain struct {
	dir        *mqueue.Directory
	translator *flatobj.Translator
	engine     *txn.Engine
	dispatcher *dispatch.Dispatcher
	log        interfaces.Logger
	obs        interfaces.Observer
	metrics    *Metrics

	mu    sync.Mutex
	procs map[int32]*Process

	ctxMu  sync.Mutex
	ctxObj *registry.Object
	ctxSet bool
	ctxEUID uint32
}

// loggerAdapter lets a public Logger satisfy internal/interfaces.Logger
// without the internal package importing the root package.
type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Printf(format string, args ...interface{}) { a.l.Printf(format, args...) }
func (a loggerAdapter) Debugf(format string, args ...interface{}) { a.l.Debugf(format, args...) }

// NewDomain creates a binder domain. This is the main entry point; a
// process calls OpenProcess to join it.
func NewDomain(options *Options) *Domain {
	if options == nil {
		options = &Options{}
	}

	var log interfaces.Logger
	if options.Logger != nil {
		log = loggerAdapter{options.Logger}
	}

	var metrics *Metrics
	var obs interfaces.Observer
	if options.Observer != nil {
		obs = options.Observer
	} else {
		metrics = NewMetrics()
		obs = NewMetricsObserver(metrics)
	}

	d := &Domain{
		dir:     mqueue.NewDirectory(),
		log:     log,
		obs:     obs,
		metrics: metrics,
		procs:   make(map[int32]*Process),
	}
	d.translator = flatobj.New(d.dir)
	d.engine = txn.New(d.translator, d.resolveContextManager, log, obs)
	d.dispatcher = dispatch.New(d.engine, log, obs)

	if log != nil {
		log.Debugf("binder: domain created, protocol version %d", constants.ProtocolVersion)
	}
	return d
}

// resolveContextManager implements txn.ContextManager: it is called whenever
// a transaction targets the special handle 0.
func (d *Domain) resolveContextManager() (*registry.Object, bool) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if !d.ctxSet {
		return nil, false
	}
	return d.ctxObj, true
}

// OpenProcess registers a new process on the domain (device open). Reusing
// a pid that is already open is rejected with ErrCodeBusy, mirroring the
// kernel driver's EBUSY on a second open of an fd slot still in use.
func (d *Domain) OpenProcess(pid int32, euid uint32, nonBlock bool) (*Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.procs[pid]; exists {
		return nil, NewErrorWithErrno("OPEN", ErrCodeBusy, errnoEBUSY)
	}

	pp := proc.New(pid, euid, nonBlock, notify.DrainCallback())
	d.dir.TokenFor(pp.Queue)

	p := &Process{proc: pp, domain: d}
	d.procs[pid] = p

	if d.log != nil {
		d.log.Debugf("binder: process %d opened (euid=%d)", pid, euid)
	}
	return p, nil
}

// Process looks up an already-open process by pid.
func (d *Domain) Process(pid int32) (*Process, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procs[pid]
	return p, ok
}

// closeProcess tears down and forgets a process: owned objects fire their
// death notices before the underlying queues drain, matching the source's
// binder_deferred_release ordering (notify before release).
func (d *Domain) closeProcess(ctx context.Context, p *proc.Process) error {
	notify.FireAll(ctx, p.Registry)
	err := p.Close()
	d.dir.Release(p.Queue)

	d.mu.Lock()
	delete(d.procs, p.PID)
	d.mu.Unlock()

	d.ctxMu.Lock()
	if d.ctxSet && d.ctxObj != nil && d.ctxObj.ID.Owner == p.Queue {
		d.ctxObj = nil
		d.ctxSet = false
	}
	d.ctxMu.Unlock()

	return err
}

// becomeContextManager implements BINDER_SET_CONTEXT_MGR: the first caller's
// euid is remembered; later callers with a different euid are rejected with
// EPERM (§4.8, scenario S6).
func (d *Domain) becomeContextManager(p *proc.Process) error {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	if d.ctxSet {
		if d.ctxEUID != p.EUID {
			return NewErrorWithErrno("SET_CONTEXT_MGR", ErrCodePermission, errnoEPERM)
		}
	}

	obj, _ := p.Registry.InternLocal(0)
	d.ctxObj = obj
	d.ctxSet = true
	d.ctxEUID = p.EUID
	return nil
}

// Metrics returns the domain's built-in metrics collector. This is nil if
// the domain was constructed with a custom Observer.
func (d *Domain) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the domain's metrics.
func (d *Domain) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Info describes a domain for diagnostics.
type Info struct {
	ProtocolVersion int  `json:"protocol_version"`
	NumProcesses    int  `json:"num_processes"`
	ContextManager  bool `json:"context_manager_set"`
}

// Info returns comprehensive information about the domain.
func (d *Domain) Info() Info {
	d.mu.Lock()
	n := len(d.procs)
	d.mu.Unlock()

	d.ctxMu.Lock()
	set := d.ctxSet
	d.ctxMu.Unlock()

	return Info{
		ProtocolVersion: constants.ProtocolVersion,
		NumProcesses:    n,
		ContextManager:  set,
	}
}
