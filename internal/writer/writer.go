// Package writer implements the single consumer of the Write Queue: it owns
// the sole writable handle on the backing store and runs queued intents
// through the Statement Cache. The main loop, spurious-wake guard, and
// shutdown-drain sequencing are a direct port of
// original_source/src/run.cpp's main_loop/run_queued_queries and
// sigint_handler, adapted from std::condition_variable_any::wait_until to a
// timer+channel select, which is Go's idiomatic equivalent.
package writer

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/clock"
	"github.com/freyrads/ssplus-cache-me/internal/metrics"
	"github.com/freyrads/ssplus-cache-me/internal/stmtcache"
	"github.com/freyrads/ssplus-cache-me/internal/store"
	"github.com/freyrads/ssplus-cache-me/internal/writequeue"
)

// Writer drains the Write Queue against the single writable store
// connection. The zero Writer is not usable; use New.
type Writer struct {
	conn    *sql.DB
	queue   *writequeue.Queue
	stmts   *stmtcache.Cache
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Writer bound to conn, the sole writable connection, and
// queue, the process-wide Write Queue.
func New(conn *sql.DB, queue *writequeue.Queue, log *zap.Logger, m *metrics.Metrics) *Writer {
	return &Writer{
		conn:    conn,
		queue:   queue,
		stmts:   stmtcache.New(),
		log:     log.Named("writer"),
		metrics: m,
	}
}

// Run executes the main loop until ctx is cancelled, then runs the shutdown
// drain exactly once before returning. It is meant to be run in its own
// goroutine; callers cancel ctx (on SIGINT) and then wait for Run to return
// before closing conn.
func (w *Writer) Run(ctx context.Context) {
	for {
		if w.waitForDue(ctx) {
			w.shutdown()
			return
		}
		w.drainDue(ctx)
	}
}

// waitForDue blocks until either an intent is due to run or ctx is
// cancelled, returning true in the latter case.
func (w *Writer) waitForDue(ctx context.Context) (shuttingDown bool) {
	for {
		intent, ok := w.queue.PeekEarliest()
		if !ok {
			select {
			case <-ctx.Done():
				return true
			case <-w.queue.Notify():
				continue // queue state changed, re-peek
			}
		}

		now := clock.NowMS()
		if intent.ScheduledAt <= now {
			return false
		}

		timer := time.NewTimer(time.Duration(intent.ScheduledAt-now) * time.Millisecond)
		select {
		case <-timer.C:
			return false
		case <-w.queue.Notify():
			// Spurious-wake guard: the earliest intent may have changed
			// identity (superseded, removed, or a sooner one arrived).
			// Loop back and re-peek rather than assuming our timer's
			// target intent is still the one due.
			timer.Stop()
			continue
		case <-ctx.Done():
			timer.Stop()
			return true
		}
	}
}

// drainDue repeatedly pops and executes every intent whose schedule has
// arrived, stopping as soon as the earliest remaining intent is not yet due.
func (w *Writer) drainDue(ctx context.Context) {
	for {
		now := clock.NowMS()
		intent, ok := w.queue.PopEarliestIfDue(now, false)
		if !ok {
			return
		}
		if w.metrics != nil {
			w.metrics.WriteQueueDepth.Set(float64(w.queue.Len()))
		}
		w.execute(ctx, intent)
	}
}

// shutdown drains every remaining intent whose MustOnSchedule is false or
// whose time has already come, discarding the rest, then finalizes every
// cached statement.
func (w *Writer) shutdown() {
	shutdownAt := clock.NowMS()
	kept := w.queue.DrainAll(func(in writequeue.Intent) bool {
		return !in.MustOnSchedule || in.ScheduledAt <= shutdownAt
	})

	w.log.Info("shutdown drain starting", zap.Int("intents", len(kept)))
	for _, intent := range kept {
		w.execute(context.Background(), intent)
	}

	if err := w.stmts.Cleanup(); err != nil {
		w.log.Error("statement cache cleanup failed", zap.Error(err))
	}
	w.log.Info("shutdown drain complete")
}

// intentFields builds the base log fields for intent: its id, plus the
// target key when the id carries one (a "set/<key>" or "del/<key>" mutation;
// other ids have no key to recover).
func intentFields(intent writequeue.Intent) []zap.Field {
	fields := []zap.Field{zap.String("id", intent.ID)}
	if key, ok := clock.KeyFromID(intent.ID); ok {
		fields = append(fields, zap.String("key", key))
	}
	return fields
}

// execute prepares (or fetches from the Statement Cache) the SQL, invokes
// Run, and classifies the result. database/sql's ExecContext already runs
// the statement to completion in one call, so the done/busy/error
// classification happens here against the single error it returns.
func (w *Writer) execute(ctx context.Context, intent writequeue.Intent) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.WriterDrainSecs.Observe(time.Since(start).Seconds())
		}
	}()

	stmt, err := w.stmts.Prepare(ctx, w.conn, intent.SQL, intent.SQL)
	if err != nil {
		w.log.Error("prepare failed, abandoning intent",
			append(intentFields(intent), zap.Error(err))...)
		return
	}

	if intent.Run == nil {
		w.log.Error("intent has no Run closure", intentFields(intent)...)
		return
	}

	runErr := intent.Run(ctx, w.conn, stmt)
	if runErr == nil {
		_ = w.stmts.Reset(stmt)
		return
	}

	if store.IsBusy(runErr) {
		if w.metrics != nil {
			w.metrics.WriterBusyRetries.Inc()
		}
		retry := intent
		retry.ScheduledAt = clock.NowMS() + 5000
		w.log.Warn("store busy, rescheduling intent",
			append(intentFields(intent), zap.Uint64("retry_at_ms", retry.ScheduledAt))...)
		w.queue.Enqueue(retry)
		return
	}

	w.log.Error("intent failed, abandoning",
		append(intentFields(intent), zap.Error(runErr))...)
	if finErr := w.stmts.Finalize(intent.SQL); finErr != nil {
		w.log.Error("finalize after failed intent also failed",
			append(intentFields(intent), zap.Error(finErr))...)
	}
}
