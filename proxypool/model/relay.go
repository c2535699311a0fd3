package model

import "time"

// RelaySnapshot is a read-only copy of a live relay's state.
// It is what observability and clients see; the pool keeps the mutable record private.
type RelaySnapshot struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	SourceID string `json:"source_id"`

	HealthScore         float64           `json:"health_score"`
	SuccessRate         float64           `json:"success_rate"`
	AvgResponseTime     float64           `json:"avg_response_time"` // seconds, 0 without samples
	WindowSamples       int               `json:"window_samples"`
	ResponseTimes       []float64         `json:"-"` // seconds, oldest first
	TotalRequests       int               `json:"total_requests"`
	SuccessCount        int               `json:"success_count"`
	FailCount           int               `json:"fail_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	FailureKinds        map[ErrorKind]int `json:"failure_kinds"`
	Anonymous           bool              `json:"anonymous"`

	Banned   bool      `json:"banned"`
	BanUntil time.Time `json:"ban_until,omitempty"`
	InUse    int       `json:"in_use"`

	AdmittedAt  time.Time `json:"admitted_at"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// PoolStats is the summary returned by the pool's Stats operation.
type PoolStats struct {
	Total          int     `json:"total"`
	Available      int     `json:"available"`
	Banned         int     `json:"banned"`
	InUse          int     `json:"in_use"`
	AvgHealthScore float64 `json:"avg_health_score"`
	LoadLevel      string  `json:"load_level"`
	CircuitOpen    bool    `json:"circuit_open"`
}

// ScoreRecord 是持久化的评分缓存条目，用于重启后的预热。
type ScoreRecord struct {
	Key             string    `json:"key"` // Candidate.Key()
	SuccessCount    int       `json:"success_count"`
	FailCount       int       `json:"fail_count"`
	AvgResponseTime float64   `json:"avg_response_time"` // seconds
	LastSuccess     time.Time `json:"last_success"`
	LastUsed        time.Time `json:"last_used"`
}
