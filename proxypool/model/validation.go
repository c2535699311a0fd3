package model

import "time"

// ErrorKind classifies why a probe or a client request through a relay failed.
type ErrorKind string

const (
	ErrorNone       ErrorKind = "none"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorConnection ErrorKind = "connection"
	ErrorHTTP       ErrorKind = "http"
	ErrorOther      ErrorKind = "other"
)

// FailureKinds lists the failure buckets in reporting order.
var FailureKinds = []ErrorKind{ErrorTimeout, ErrorConnection, ErrorHTTP, ErrorOther}

// Normalize maps unknown or empty kinds on a failure to ErrorOther.
func (k ErrorKind) Normalize() ErrorKind {
	switch k {
	case ErrorTimeout, ErrorConnection, ErrorHTTP, ErrorOther:
		return k
	}
	return ErrorOther
}

// ValidationResult 是一次验证的结果，由 Validator 按 (address, protocol) 缓存。
type ValidationResult struct {
	Valid        bool          `json:"valid"`
	ResponseTime time.Duration `json:"response_time"` // 0 when not measured
	ErrorKind    ErrorKind     `json:"error_kind"`
	Anonymous    bool          `json:"anonymous"`
	CheckedAt    time.Time     `json:"checked_at"`
	Err          string        `json:"error,omitempty"`
}

// Outcome is what a client reports after using a relay.
type Outcome struct {
	Success      bool
	ResponseTime time.Duration // optional; 0 means unknown
	FailureKind  ErrorKind     // ignored on success
}
