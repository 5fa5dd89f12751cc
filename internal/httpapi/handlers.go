package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/cachemap"
	"github.com/freyrads/ssplus-cache-me/internal/clock"
	"github.com/freyrads/ssplus-cache-me/internal/metrics"
	"github.com/freyrads/ssplus-cache-me/internal/writequeue"
)

const upsertSQL = `INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
const deleteSQL = `DELETE FROM cache WHERE key = ?`

// cacheRequest is the POST /cache and POST /cache/get-or-set request body.
type cacheRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   *int64 `json:"ttl"`
}

type entryPayload struct {
	Value     string `json:"value"`
	ExpiresAt uint64 `json:"expires_at"`
}

// HandleGet implements GET /cache/:key.
func (a *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, a.log, http.StatusBadRequest, "key must not be empty")
		return
	}

	entry, found := a.resolve(r.Context(), key)
	if !found {
		writeError(w, a.log, http.StatusNotFound, "key not found")
		return
	}
	writeOK(w, a.log, entryPayload{Value: entry.Value, ExpiresAt: entry.ExternalExpiresAt()})
}

// resolve runs the full read path: a Cache Map hit, a sentinel cached-miss,
// or a store probe that records a sentinel on miss and schedules the
// lazy-expire-plus-cleanup intents for an entry found already expired.
func (a *API) resolve(ctx context.Context, key string) (cachemap.Entry, bool) {
	now := clock.NowMS()

	if entry := a.cache.Get(key); entry.Cached() {
		switch {
		case entry.Sentinel():
			a.recordMiss(metrics.MissReasonSentinel)
			return cachemap.Entry{}, false
		case entry.Expired(now):
			a.cache.Delete(key)
			// fall through to the store probe below: the row may not yet
			// have been swept by its scheduled delete intent.
		default:
			a.recordHit(metrics.HitSourceMemory)
			return entry, true
		}
	}

	probed, ok, err := a.probeStore(ctx, key)
	if err != nil {
		a.log.Error("store probe failed", zap.String("key", key), zap.Error(err))
		return cachemap.Entry{}, false
	}
	if !ok {
		a.cache.Set(key, cachemap.SentinelEntry())
		a.recordMiss(metrics.MissReasonColdProbe)
		return cachemap.Entry{}, false
	}

	if probed.ExpiresAt > cachemap.SentinelExpiresAt {
		a.queue.Enqueue(deleteIntent(key, probed.ExpiresAt, true))
		if probed.ExpiresAt <= now {
			a.cache.Set(key, cachemap.SentinelEntry())
			a.recordMiss(metrics.MissReasonExpired)
			return cachemap.Entry{}, false
		}
	}

	a.cache.Set(key, probed)
	a.recordHit(metrics.HitSourceStore)
	return probed, true
}

func (a *API) recordHit(source string) {
	if a.metrics != nil {
		a.metrics.CacheHits.WithLabelValues(source).Inc()
	}
}

func (a *API) recordMiss(reason string) {
	if a.metrics != nil {
		a.metrics.CacheMisses.WithLabelValues(reason).Inc()
	}
}

// probeStore queries one read-only worker connection for key, using that
// worker's own cached select statement.
func (a *API) probeStore(ctx context.Context, key string) (cachemap.Entry, bool, error) {
	w := a.nextWorker()
	stmt, err := w.stmts.Prepare(ctx, w.conn, selectByKeySQL, w.selectKey())
	if err != nil {
		return cachemap.Entry{}, false, err
	}

	var value string
	var expiresAt uint64
	err = stmt.QueryRowContext(ctx, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cachemap.Entry{}, false, nil
	}
	if err != nil {
		return cachemap.Entry{}, false, err
	}
	return cachemap.Entry{Value: value, ExpiresAt: expiresAt}, true, nil
}

// HandleSet implements POST /cache.
func (a *API) HandleSet(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCacheRequest(w, r)
	if !ok {
		return
	}
	entry := a.store(req)
	writeOK(w, a.log, entryPayload{Value: entry.Value, ExpiresAt: entry.ExternalExpiresAt()})
}

// HandleGetOrSet implements POST /cache/get-or-set: return the existing
// entry if the key already resolves to one, otherwise store and return req.
func (a *API) HandleGetOrSet(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCacheRequest(w, r)
	if !ok {
		return
	}

	if existing, found := a.resolve(r.Context(), req.Key); found {
		writeOK(w, a.log, entryPayload{Value: existing.Value, ExpiresAt: existing.ExternalExpiresAt()})
		return
	}

	entry := a.store(req)
	writeOK(w, a.log, entryPayload{Value: entry.Value, ExpiresAt: entry.ExternalExpiresAt()})
}

func (a *API) decodeCacheRequest(w http.ResponseWriter, r *http.Request) (cacheRequest, bool) {
	var req cacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, "malformed request body")
		return cacheRequest{}, false
	}
	if req.Key == "" {
		writeError(w, a.log, http.StatusBadRequest, "key must not be empty")
		return cacheRequest{}, false
	}
	if req.Value == "" {
		writeError(w, a.log, http.StatusBadRequest, "value must not be empty")
		return cacheRequest{}, false
	}
	if req.TTL != nil && *req.TTL < 0 {
		writeError(w, a.log, http.StatusBadRequest, "ttl must be a non-negative number of milliseconds")
		return cacheRequest{}, false
	}
	return req, true
}

// store updates the Cache Map immediately, then enqueues the matching write
// intent(s), cancelling any previously scheduled delete when the new entry
// no longer expires.
func (a *API) store(req cacheRequest) cachemap.Entry {
	var expiresAt uint64
	if req.TTL != nil && *req.TTL > 0 {
		expiresAt = clock.NowMS() + uint64(*req.TTL)
	}

	entry := cachemap.Entry{Value: req.Value, ExpiresAt: expiresAt}
	a.cache.Set(req.Key, entry)

	if expiresAt == 0 {
		a.queue.RemoveByID(clock.DelID(req.Key))
	} else {
		a.queue.Enqueue(deleteIntent(req.Key, expiresAt, true))
	}

	a.queue.Enqueue(writequeue.Intent{
		ID:          clock.SetID(req.Key),
		ScheduledAt: 0,
		SQL:         upsertSQL,
		Run: func(ctx context.Context, conn *sql.DB, stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, req.Key, req.Value, expiresAt)
			return err
		},
	})

	return entry
}

// HandleDelete implements DELETE /cache/:key.
func (a *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, a.log, http.StatusBadRequest, "key must not be empty")
		return
	}

	a.cache.Delete(key)
	a.queue.RemoveByID(clock.SetID(key))
	a.queue.RemoveByID(clock.DelID(key))
	a.queue.Enqueue(deleteIntent(key, 0, false))

	writeOK(w, a.log, message{Message: "OK"})
}

// deleteIntent builds the "del/<key>" write intent shared by the TTL
// scheduling path (mustOnSchedule=true, a future scheduledAt) and the
// explicit DELETE endpoint (mustOnSchedule=false, immediate).
func deleteIntent(key string, scheduledAt uint64, mustOnSchedule bool) writequeue.Intent {
	return writequeue.Intent{
		ID:             clock.DelID(key),
		ScheduledAt:    scheduledAt,
		SQL:            deleteSQL,
		MustOnSchedule: mustOnSchedule,
		Run: func(ctx context.Context, conn *sql.DB, stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, key)
			return err
		},
	}
}
