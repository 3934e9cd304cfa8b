// Package quiesce implements the quiesce waiter (spec §4.3): blocking
// until every transaction, atomic update and explicit lock started on the
// previous topology version has finished, with exponential-backoff
// diagnostic dumps rather than a timeout failure (spec §9 "replace
// exceptions-for-control-flow ... with an explicit poll+dump loop").
package quiesce

import (
	"context"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// Future is the minimal shape of the shared context's composite futures
// this waiter blocks on: partitionReleaseFuture and finishLocks (spec
// §4.3). Real implementations live in the transaction/lock manager, which
// spec §1 places out of scope for this module; this interface is the seam.
type Future interface {
	// Done returns a channel that is closed when the future completes.
	Done() <-chan struct{}
	// Name identifies the future for diagnostic dumps.
	Name() string
}

// Dumper produces human-readable diagnostics for a still-pending future:
// pending transactions, locked keys, and (if enabled) thread stacks.
type Dumper interface {
	DumpPending(f Future) string
}

// Config tunes the dump cadence, mirroring spec §6's configuration block.
type Config struct {
	// NetworkTimeout is doubled to produce the first dump interval.
	NetworkTimeout time.Duration
	// LongOpDumpTimeoutLimit caps how large the (doubling) dump interval
	// can grow. Zero means the spec's 30-minute default.
	LongOpDumpTimeoutLimit time.Duration
	// ReleaseFutureDumpThreshold: only dump once the wait has exceeded
	// this duration. Zero means no threshold: every elapsed interval dumps.
	ReleaseFutureDumpThreshold time.Duration
	// ThreadDumpOnExchangeTimeout, if set, appends a full goroutine stack
	// dump to each diagnostic message.
	ThreadDumpOnExchangeTimeout bool
}

const defaultLongOpDumpTimeoutLimit = 30 * time.Minute

func (c Config) firstInterval() time.Duration {
	if c.NetworkTimeout <= 0 {
		return 10 * time.Second
	}
	return 2 * c.NetworkTimeout
}

func (c Config) maxInterval() time.Duration {
	if c.LongOpDumpTimeoutLimit <= 0 {
		return defaultLongOpDumpTimeoutLimit
	}
	return c.LongOpDumpTimeoutLimit
}

// Wait blocks until every future in fs has completed, or ctx is cancelled
// (process shutdown — the only way this wait is ever abandoned; a plain
// timeout is never treated as failure, per spec §5 "Cancellation and
// timeouts"). On each backoff interval elapsed without all futures
// completing, it dumps diagnostics for every future still pending.
func Wait(ctx context.Context, fs []Future, cfg Config, dumper Dumper, log logr.Logger) error {
	if len(fs) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.firstInterval()
	bo.MaxInterval = cfg.maxInterval()
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0

	start := time.Now()
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()

	for {
		pending := pendingFutures(fs)
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			elapsed := time.Since(start)
			if cfg.ReleaseFutureDumpThreshold == 0 || elapsed >= cfg.ReleaseFutureDumpThreshold {
				dumpAll(pending, cfg, dumper, log)
			}
			timer.Reset(bo.NextBackOff())
		case <-awaitAny(pending):
			// A future completed between our pending-check and the timer
			// firing; loop around immediately to re-check all of them.
		}
	}
}

func pendingFutures(fs []Future) []Future {
	var out []Future
	for _, f := range fs {
		select {
		case <-f.Done():
		default:
			out = append(out, f)
		}
	}
	return out
}

// awaitAny returns a channel that fires once any of fs completes. With a
// handful of futures (partition-release, finish-locks) a small fan-in
// goroutine is simpler and cheap enough than a reflect.Select.
func awaitAny(fs []Future) <-chan struct{} {
	out := make(chan struct{})
	if len(fs) == 0 {
		close(out)
		return out
	}
	go func() {
		cases := make([]<-chan struct{}, len(fs))
		for i, f := range fs {
			cases[i] = f.Done()
		}
		// Race the first one home; a simple loop over a short list beats
		// pulling in reflect for two or three futures.
		done := make(chan struct{}, len(cases))
		for _, c := range cases {
			c := c
			go func() {
				<-c
				select {
				case done <- struct{}{}:
				default:
				}
			}()
		}
		<-done
		close(out)
	}()
	return out
}

func dumpAll(pending []Future, cfg Config, dumper Dumper, log logr.Logger) {
	for _, f := range pending {
		msg := ""
		if dumper != nil {
			msg = dumper.DumpPending(f)
		}
		log.Info("quiesce wait still pending, dumping diagnostics", "future", f.Name(), "diagnostics", msg)
	}
	if cfg.ThreadDumpOnExchangeTimeout {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		log.Info("thread dump on quiesce timeout", "stack", string(buf[:n]))
	}
}
