package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypool/internal/shared/types"
	"relaypool/proxypool/metrics"
	"relaypool/proxypool/model"
	"relaypool/proxypool/source"
)

type fakePool struct {
	mu       sync.Mutex
	level    string
	imported []model.Candidate
	removed  []string
}

func (p *fakePool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.PoolStats{Total: 3, Available: 2, Banned: 1, LoadLevel: p.level}
}

func (p *fakePool) SetLoadLevel(level string) error {
	switch level {
	case types.LoadLight, types.LoadMedium, types.LoadHeavy:
	default:
		return fmt.Errorf("unknown load level %q", level)
	}
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
	return nil
}

func (p *fakePool) LoadLevel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *fakePool) Import(_ context.Context, cands []model.Candidate) int {
	p.imported = append(p.imported, cands...)
	return len(cands) - 1
}

func (p *fakePool) Remove(ids []string) int {
	p.removed = append(p.removed, ids...)
	return len(ids)
}

type fakeSources []source.Source

func (s fakeSources) Snapshot() []source.Source { return s }

type fakeMetrics struct{}

func (fakeMetrics) DetailedMetrics() metrics.DetailedMetrics {
	return metrics.DetailedMetrics{Pool: model.PoolStats{Total: 3}}
}

func (fakeMetrics) HealthReport() metrics.HealthReport {
	return metrics.HealthReport{Summary: metrics.Summary{OverallHealth: "good"}}
}

func newTestServer(t *testing.T, cfg types.WebConf) (*Server, *fakePool) {
	t.Helper()
	pool := &fakePool{level: types.LoadMedium}
	srcs := fakeSources{{
		Profile:     types.SourceProfile{Name: "alpha", URL: "http://src", Auth: &types.SourceAuth{Token: "secret"}},
		Active:      true,
		SuccessRate: 0.8,
	}}
	s := NewServer(cfg, pool, srcs, fakeMetrics{})
	t.Cleanup(func() { s.cancel() })
	return s, pool
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadEndpoints(t *testing.T) {
	s, _ := newTestServer(t, types.WebConf{})
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.PoolStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, types.LoadMedium, stats.LoadLevel)

	rec = do(t, h, http.MethodGet, "/api/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"overall_health":"good"`)

	rec = do(t, h, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []SourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alpha", views[0].Name)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = do(t, h, http.MethodPost, "/api/stats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLoadLevelEndpoint(t *testing.T) {
	s, pool := newTestServer(t, types.WebConf{})
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/load_level", `{"level":"heavy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.LoadHeavy, pool.LoadLevel())

	rec = do(t, h, http.MethodPost, "/api/load_level", `{"level":"extreme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.LoadHeavy, pool.LoadLevel())

	rec = do(t, h, http.MethodPost, "/api/load_level", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportAndDeleteEndpoints(t *testing.T) {
	s, pool := newTestServer(t, types.WebConf{})
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/relays/import", `{"list":"1.1.1.1:80\nsocks5://2.2.2.2:1080","protocol":"http"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"candidates":2,"admitted":1}`, rec.Body.String())
	require.Len(t, pool.imported, 2)
	assert.Equal(t, "manual", pool.imported[0].SourceID)

	rec = do(t, h, http.MethodPost, "/api/relays/import", `{"list":"garbage"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/relays/delete", `{"ids":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())
	assert.Equal(t, []string{"a", "b"}, pool.removed)

	rec = do(t, h, http.MethodPost, "/api/relays/delete", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, types.WebConf{User: "admin", Password: "pw"})
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _ := newTestServer(t, types.WebConf{})
	go s.hub.Run(s.ctx)

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.hub.BroadcastPoolStats(model.PoolStats{Total: 7, Available: 5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "pool_stats", msg.Type)
	var stats PoolStatsMessage
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 5, stats.Available)
	assert.False(t, stats.Timestamp.IsZero())
}

func TestStartDisabled(t *testing.T) {
	s, _ := newTestServer(t, types.WebConf{Port: 0})
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))
}
