package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/cachemap"
	"github.com/freyrads/ssplus-cache-me/internal/config"
	"github.com/freyrads/ssplus-cache-me/internal/metrics"
	"github.com/freyrads/ssplus-cache-me/internal/store"
	"github.com/freyrads/ssplus-cache-me/internal/writequeue"
)

func testServer(t *testing.T) (http.Handler, *API, *writequeue.Queue) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	writable, err := store.OpenWritable(dbPath)
	if err != nil {
		t.Fatalf("OpenWritable: %v", err)
	}
	t.Cleanup(func() { _ = writable.Close() })
	if _, err := store.InitSchema(context.Background(), writable, 0); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	cache := cachemap.New()
	queue := writequeue.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	api, err := NewAPI(dbPath, 2, cache, queue, m, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	t.Cleanup(func() { _ = api.Close() })

	cfg := &config.Config{AllowCORS: nil, CORSMaxAge: 600}
	return Router(api, cfg, reg, zap.NewNop()), api, queue
}

func TestGetMissingKeyReturns404(t *testing.T) {
	handler, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/cache/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	handler, _, queue := testServer(t)

	body := strings.NewReader(`{"key":"foo","value":"bar","ttl":0}`)
	req := httptest.NewRequest(http.MethodPost, "/cache", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if queue.Len() != 1 {
		t.Fatalf("queue.Len() after set = %d, want 1 (exactly one set/foo intent)", queue.Len())
	}

	req = httptest.NewRequest(http.MethodGet, "/cache/foo", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /cache/foo status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success {
		t.Fatalf("success = false, body = %s", rec.Body.String())
	}
}

func TestSetRejectsEmptyValue(t *testing.T) {
	handler, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"foo","value":""}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty value", rec.Code)
	}
}

func TestSetRejectsNegativeTTL(t *testing.T) {
	handler, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"foo","value":"bar","ttl":-5}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for negative ttl", rec.Code)
	}
}

func TestSupersedingSetCollapsesToOneIntent(t *testing.T) {
	handler, _, queue := testServer(t)

	for _, v := range []string{"v1", "v2", "v3"} {
		req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"k","value":"`+v+`"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST /cache status = %d", rec.Code)
		}
	}

	if queue.Len() != 1 {
		t.Fatalf("queue.Len() after three sets of the same key = %d, want 1", queue.Len())
	}
}

func TestTTLSetSchedulesDeleteThenCancelOnNonTTLSet(t *testing.T) {
	handler, _, queue := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"k","value":"v","ttl":5000}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache status = %d", rec.Code)
	}
	if queue.Len() != 2 {
		t.Fatalf("queue.Len() after ttl set = %d, want 2 (set/k + del/k)", queue.Len())
	}

	req = httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"k","value":"v","ttl":0}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache status = %d", rec.Code)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue.Len() after cancelling ttl = %d, want 1 (set/k only, del/k cancelled)", queue.Len())
	}
}

func TestDeleteRemovesFromCacheAndQueuesRowDelete(t *testing.T) {
	handler, api, queue := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"k","value":"v"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/cache/k", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /cache/k status = %d", rec.Code)
	}

	if entry := api.cache.Get("k"); !entry.Empty() {
		t.Errorf("entry after delete = %+v, want empty", entry)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue.Len() after delete = %d, want 1 (the del/k row intent)", queue.Len())
	}
}

func TestGetOrSetReturnsExistingWithoutOverwriting(t *testing.T) {
	handler, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/cache", strings.NewReader(`{"key":"k","value":"original"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/cache/get-or-set", strings.NewReader(`{"key":"k","value":"ignored"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /cache/get-or-set status = %d", rec.Code)
	}

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, _ := json.Marshal(env.Data)
	var payload entryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Value != "original" {
		t.Errorf("value = %q, want original (get-or-set must not overwrite)", payload.Value)
	}
}

func TestUnmatchedRouteReturns404(t *testing.T) {
	handler, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOriginAllowedDefaultsToWildcard(t *testing.T) {
	_, api, _ := testServer(t)
	if !api.originAllowed("https://example.com") {
		t.Error("originAllowed should default to true when no allow-list is set")
	}

	api.SetCORSOrigins([]string{"https://trusted.example"})
	if api.originAllowed("https://example.com") {
		t.Error("originAllowed should reject origins outside an explicit allow-list")
	}
	if !api.originAllowed("https://trusted.example") {
		t.Error("originAllowed should accept an origin on the allow-list")
	}
}
