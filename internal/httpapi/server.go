// Package httpapi implements the request-serving HTTP surface: the cache
// endpoints, CORS, and JSON response envelope. The chi router + CORS + JSON
// envelope style follows autobrr-qui's internal/api package (router.go,
// handlers/helpers.go); each worker holds its own read-only store
// connection and Statement Cache, never shared with another worker.
package httpapi

import (
	"database/sql"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/cachemap"
	"github.com/freyrads/ssplus-cache-me/internal/metrics"
	"github.com/freyrads/ssplus-cache-me/internal/stmtcache"
	"github.com/freyrads/ssplus-cache-me/internal/store"
	"github.com/freyrads/ssplus-cache-me/internal/writequeue"
)

// worker is one pool slot's private backing-store handle: each slot has its
// own read-only connection and Statement Cache, never shared with another
// slot. Requests are assigned slots round-robin (see nextWorker), so
// concurrent request goroutines can use the same slot's connection and
// prepared statements at the same time.
type worker struct {
	id    string
	conn  *sql.DB
	stmts *stmtcache.Cache
}

// the two prepared-statement cache keys from the original design:
// "<server-id>s" for get-by-key and "<server-id>a" for get-all. get-all has
// no HTTP route in this surface, so only the select-by-key statement is
// ever prepared, but the naming convention is kept for fidelity with the
// original design.
func (w *worker) selectKey() string { return w.id + "s" }

const selectByKeySQL = `SELECT value, expires_at FROM cache WHERE key = ?`

// API wires the Cache Map, Write Queue, and a pool of read-only workers
// into the HTTP handlers. Construct with NewAPI.
type API struct {
	cache       *cachemap.Map
	queue       *writequeue.Queue
	workers     []*worker
	next        atomic.Uint64
	metrics     *metrics.Metrics
	log         *zap.Logger
	corsOrigins atomic.Pointer[[]string]
}

// NewAPI opens concurrency read-only connections against dbPath, one per
// request-serving worker slot (sized to config.Concurrency, one per
// logical CPU by default), and returns an API ready to be wired into
// Router.
func NewAPI(dbPath string, concurrency int, cache *cachemap.Map, queue *writequeue.Queue, m *metrics.Metrics, log *zap.Logger) (*API, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	workers := make([]*worker, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		conn, err := store.OpenReadOnly(dbPath)
		if err != nil {
			for _, w := range workers {
				_ = w.conn.Close()
			}
			return nil, err
		}
		workers = append(workers, &worker{
			// Each worker's statement-cache keys are namespaced by a random
			// id rather than its pool index, so stale keys from a previous
			// process's worker never collide if the Statement Cache's
			// lifetime were ever extended beyond a single run.
			id:    uuid.NewString(),
			conn:  conn,
			stmts: stmtcache.New(),
		})
	}

	a := &API{
		cache:   cache,
		queue:   queue,
		workers: workers,
		metrics: m,
		log:     log.Named("httpapi"),
	}
	a.SetCORSOrigins(nil)
	return a, nil
}

// SetCORSOrigins replaces the allow-list consulted by the CORS middleware.
// A nil or empty list means "allow any origin" (allow_cors is optional).
// Safe to call concurrently with request handling; used at boot from
// config and again on every config-file hot reload (internal/config.Watch).
func (a *API) SetCORSOrigins(origins []string) {
	cp := append([]string(nil), origins...)
	a.corsOrigins.Store(&cp)
}

func (a *API) originAllowed(origin string) bool {
	origins := a.corsOrigins.Load()
	if origins == nil || len(*origins) == 0 {
		return true
	}
	for _, o := range *origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// nextWorker round-robins across the read-only worker pool. Request
// handling never blocks on the Writer Thread, so contention here is only
// ever between concurrent readers sharing a slot.
func (a *API) nextWorker() *worker {
	i := a.next.Add(1) - 1
	return a.workers[int(i)%len(a.workers)]
}

// Close releases every worker's read-only connection and statement cache.
// Called once during process shutdown, after the HTTP server has stopped
// accepting new connections.
func (a *API) Close() error {
	var first error
	for _, w := range a.workers {
		if err := w.stmts.Cleanup(); err != nil && first == nil {
			first = err
		}
		if err := w.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
