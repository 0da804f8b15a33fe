package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/binderkit/go-binder"
	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/logging"
	"github.com/binderkit/go-binder/internal/wire"
)

// RunSession wires up a Domain for cfg and runs every participant as its
// own looper goroutine. Peers with configured transactions send them once
// the domain's context manager is registered; the context manager then
// serves its read stream until ctx is cancelled, and every other
// participant returns once its sends are done. RunSession returns when all
// participants have returned, with the first error if any.
func RunSession(ctx context.Context, cfg *SessionConfig, log *logging.Logger) error {
	domainOpts := &binder.Options{Logger: sessionLogger{log}}
	d := binder.NewDomain(domainOpts)

	readBufSize := int(cfg.ReadBuffer.Bytes())
	if readBufSize <= 0 {
		readBufSize = 4096
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, pc := range cfg.Participants {
		pc := pc
		p, err := d.OpenProcess(pc.PID, pc.EUID, false)
		if err != nil {
			return fmt.Errorf("open process %d: %w", pc.PID, err)
		}
		if pc.MaxThreads > 0 {
			p.SetMaxThreads(pc.MaxThreads)
		}
		if pc.ContextManager {
			if err := p.BecomeContextManager(); err != nil {
				return fmt.Errorf("participant %d become context manager: %w", pc.PID, err)
			}
			log.Info("became context manager", "pid", pc.PID)
		}

		sends := transactionsFor(cfg.Transactions, pc.PID)

		g.Go(func() error {
			return runParticipant(gctx, log, d, p, pc, sends, readBufSize)
		})
	}

	return g.Wait()
}

func transactionsFor(all []TransactionConfig, pid int32) []TransactionConfig {
	var out []TransactionConfig
	for _, t := range all {
		if t.From == pid {
			out = append(out, t)
		}
	}
	return out
}

// runParticipant is one simulated looper thread: it pins itself to its own
// OS thread (matching the source's per-task binder_thread identity) and
// alternates between issuing configured sends and awaiting their replies.
// Once every configured send has completed it returns, except for the
// context manager, which goes on to serveLoop.
func runParticipant(ctx context.Context, log *logging.Logger, d *binder.Domain, p *binder.Process, pc ParticipantConfig, sends []TransactionConfig, readBufSize int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := uint32(unix.Gettid())

	if len(sends) > 0 {
		if err := waitForContextManager(ctx, d); err != nil {
			return fmt.Errorf("participant %d: %w", pc.PID, err)
		}
	}

	readBuf := make([]byte, readBufSize)

	for _, t := range sends {
		flags := wire.TransactionFlags(0)
		if t.OneWay {
			flags = wire.FlagOneWay
		}
		write := wire.AppendTransactionRequest(nil, wire.BC_TRANSACTION, wire.TransactionData{
			Target: uintptr(t.To),
			Code:   t.Code,
			Flags:  flags,
			Data:   []byte(t.Data),
		})
		if _, _, err := p.WriteRead(ctx, tid, write, nil); err != nil {
			return fmt.Errorf("participant %d send: %w", pc.PID, err)
		}
		log.Info("sent transaction", "from", pc.PID, "to", t.To, "data", t.Data, "one_way", t.OneWay)

		if t.OneWay {
			continue
		}
		if err := awaitReply(ctx, log, p, tid, readBuf, pc.PID); err != nil {
			return err
		}
	}

	if pc.ContextManager {
		return serveLoop(ctx, log, d, p, pc, tid, readBuf)
	}
	return nil
}

// waitForContextManager polls until the domain reports a registered
// context manager, backing off exponentially between checks, and gives up
// after constants.ContextManagerPollTimeout.
func waitForContextManager(ctx context.Context, d *binder.Domain) error {
	if d.Info().ContextManager {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, constants.ContextManagerPollTimeout)
	defer cancel()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     constants.ContextManagerPollInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	b.Reset()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
		if d.Info().ContextManager {
			return nil
		}
	}
}

// awaitReply blocks tid's read stream until a BR_REPLY, BR_DEAD_REPLY, or
// BR_FAILED_REPLY appears, logging every record seen along the way.
func awaitReply(ctx context.Context, log *logging.Logger, p *binder.Process, tid uint32, readBuf []byte, pid int32) error {
	for {
		_, n, err := p.WriteRead(ctx, tid, nil, readBuf)
		if err != nil {
			return fmt.Errorf("participant %d await reply: %w", pid, err)
		}
		if n == 0 {
			continue
		}
		done, err := logRecords(log, readBuf[:n], pid)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// serveLoop is the context manager's steady-state loop: read, service
// whatever arrived (replying to transactions, logging spawn requests and
// dead-binder notices), repeat. It spawns no loopers. Cancelling ctx ends
// the loop with a nil error.
func serveLoop(ctx context.Context, log *logging.Logger, d *binder.Domain, p *binder.Process, pc ParticipantConfig, tid uint32, readBuf []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, n, err := p.WriteRead(ctx, tid, nil, readBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("participant %d serve: %w", pc.PID, err)
		}
		if n == 0 {
			continue
		}
		if err := serviceRecords(ctx, log, p, tid, readBuf[:n], pc.PID); err != nil {
			return err
		}
	}
}

// serviceRecords walks one read buffer's worth of BR_* records, replying
// to any BR_TRANSACTION with an echo and logging everything else.
func serviceRecords(ctx context.Context, log *logging.Logger, p *binder.Process, tid uint32, buf []byte, pid int32) error {
	rest := buf
	for len(rest) > 0 {
		cmd, tail, err := wire.ReadBRCmd(rest)
		if err != nil {
			return err
		}
		rest = tail

		switch cmd {
		case wire.BR_TRANSACTION:
			td, tail, err := wire.ReadTransactionHeader(rest)
			if err != nil {
				return err
			}
			rest = tail
			log.Info("received transaction", "pid", pid, "code", td.Code, "data", string(td.Data))
			if !td.Flags.OneWay() {
				reply := wire.AppendTransactionRequest(nil, wire.BC_REPLY, wire.TransactionData{
					Data: []byte("echo:" + string(td.Data)),
				})
				if _, _, err := p.WriteRead(ctx, tid, reply, nil); err != nil {
					return fmt.Errorf("participant %d reply: %w", pid, err)
				}
			}
		case wire.BR_DEAD_BINDER:
			bnd, cookie, tail, err := wire.ReadDeadBinderBody(rest)
			if err != nil {
				return err
			}
			rest = tail
			log.Info("dead binder notification", "pid", pid, "binder", bnd, "cookie", cookie)
		case wire.BR_SPAWN_LOOPER:
			log.Info("spawn looper requested", "pid", pid)
		default:
			log.Debugf("participant %d saw %v", pid, cmd)
		}
	}
	return nil
}

// logRecords walks one read buffer for a sender awaiting its own reply,
// returning done=true once a terminal reply record has been logged.
func logRecords(log *logging.Logger, buf []byte, pid int32) (done bool, err error) {
	rest := buf
	for len(rest) > 0 {
		cmd, tail, err := wire.ReadBRCmd(rest)
		if err != nil {
			return false, err
		}
		rest = tail

		switch cmd {
		case wire.BR_TRANSACTION_COMPLETE:
			log.Info("transaction acknowledged", "pid", pid)
		case wire.BR_REPLY:
			td, tail, err := wire.ReadTransactionHeader(rest)
			if err != nil {
				return false, err
			}
			rest = tail
			log.Info("received reply", "pid", pid, "data", string(td.Data))
			return true, nil
		case wire.BR_FAILED_REPLY:
			log.Warn("transaction failed", "pid", pid)
			return true, nil
		case wire.BR_DEAD_REPLY:
			log.Warn("destination queue closed", "pid", pid)
			return true, nil
		default:
			log.Debugf("participant %d saw %v", pid, cmd)
		}
	}
	return false, nil
}

// sessionLogger adapts *logging.Logger to binder.Logger (Printf/Debugf).
type sessionLogger struct{ l *logging.Logger }

func (s sessionLogger) Printf(format string, args ...interface{}) { s.l.Infof(format, args...) }
func (s sessionLogger) Debugf(format string, args ...interface{}) { s.l.Debugf(format, args...) }
