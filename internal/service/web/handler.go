package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/metrics"
	"relaypool/proxypool/model"
	"relaypool/proxypool/source"
)

// PoolController defines the interface that the web handler uses to interact with the pool.
// This decouples the web package from the manager package.
type PoolController interface {
	Stats() model.PoolStats
	SetLoadLevel(level string) error
	LoadLevel() string
	Import(ctx context.Context, cands []model.Candidate) int
	Remove(ids []string) int
}

// SourceLister exposes the registry's per-source records.
type SourceLister interface {
	Snapshot() []source.Source
}

// MetricsProvider produces the detailed metrics and health report.
type MetricsProvider interface {
	DetailedMetrics() metrics.DetailedMetrics
	HealthReport() metrics.HealthReport
}

// SourceView 是 /api/sources 返回的单个源，不包含认证信息和请求头。
type SourceView struct {
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Parser          string    `json:"parser"`
	Protocol        string    `json:"protocol"`
	FetchInterval   int       `json:"fetch_interval"`
	Active          bool      `json:"active"`
	SuccessRate     float64   `json:"success_rate"`
	ZeroYieldStreak int       `json:"zero_yield_streak"`
	LastYield       int       `json:"last_yield"`
	LastError       string    `json:"last_error,omitempty"`
	LastAttempt     time.Time `json:"last_attempt"`
	LastSuccess     time.Time `json:"last_success"`
}

type loadLevelRequest struct {
	Level string `json:"level"`
}

type importRequest struct {
	List     string `json:"list"`     // one relay per line
	Protocol string `json:"protocol"` // default for lines without a scheme
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

type Handler struct {
	pool    PoolController
	sources SourceLister
	metrics MetricsProvider
}

func NewHandler(pool PoolController, sources SourceLister, mp MetricsProvider) *Handler {
	return &Handler{pool: pool, sources: sources, metrics: mp}
}

// HandleStats 处理 GET /api/stats 请求
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleMetrics 处理 GET /api/metrics 请求
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.DetailedMetrics())
}

// HandleReport 处理 GET /api/report 请求
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.HealthReport())
}

// HandleSources 处理 GET /api/sources 请求
func (h *Handler) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.sources.Snapshot()
	views := make([]SourceView, 0, len(snap))
	for _, s := range snap {
		views = append(views, SourceView{
			Name:            s.Profile.Name,
			URL:             s.Profile.URL,
			Parser:          s.Profile.Parser,
			Protocol:        s.Profile.Protocol,
			FetchInterval:   s.Profile.FetchInterval,
			Active:          s.Active,
			SuccessRate:     s.SuccessRate,
			ZeroYieldStreak: s.ZeroYieldStreak,
			LastYield:       s.LastYield,
			LastError:       s.LastError,
			LastAttempt:     s.LastAttempt,
			LastSuccess:     s.LastSuccess,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleLoadLevel 处理 POST /api/load_level 请求
func (h *Handler) HandleLoadLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loadLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.pool.SetLoadLevel(req.Level); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Info().Str("level", h.pool.LoadLevel()).Msg("Load level changed via web API.")
	writeJSON(w, http.StatusOK, map[string]string{"load_level": h.pool.LoadLevel()})
}

// HandleImportRelays 处理 POST /api/relays/import 请求：验证后加入池中。
func (h *Handler) HandleImportRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	cands := source.ParseList(req.List, req.Protocol, "manual", time.Now())
	if len(cands) == 0 {
		http.Error(w, "No valid relay addresses in list", http.StatusBadRequest)
		return
	}
	admitted := h.pool.Import(r.Context(), cands)
	writeJSON(w, http.StatusOK, map[string]int{"candidates": len(cands), "admitted": admitted})
}

// HandleDeleteRelays 处理 POST /api/relays/delete 请求
func (h *Handler) HandleDeleteRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		http.Error(w, "Body must list relay ids", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.pool.Remove(req.IDs)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}
