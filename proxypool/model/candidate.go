package model

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// 支持的代理协议
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS5 = "socks5"
)

// Credentials 是代理的可选认证信息。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Candidate 是从代理源抓取、尚未验证的代理。创建后不可修改。
type Candidate struct {
	Address      string       `json:"address"` // host:port
	Protocol     string       `json:"protocol"`
	Credentials  *Credentials `json:"credentials,omitempty"`
	SourceID     string       `json:"source_id"`
	DiscoveredAt time.Time    `json:"discovered_at"`
}

// Key identifies the relay endpoint independent of the pool-assigned id.
// It is stable across restarts and is used for caching and persistence.
func (c Candidate) Key() string {
	return c.Protocol + "://" + c.Address
}

// Host returns the host part of Address.
func (c Candidate) Host() string {
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		return c.Address
	}
	return host
}

// URL renders the candidate as a proxy URL usable by http.ProxyURL.
func (c Candidate) URL() *url.URL {
	u := &url.URL{Scheme: c.Protocol, Host: c.Address}
	if c.Credentials != nil && c.Credentials.Username != "" {
		u.User = url.UserPassword(c.Credentials.Username, c.Credentials.Password)
	}
	return u
}

// SupportedProtocol reports whether the pool can validate and hand out relays of protocol p.
func SupportedProtocol(p string) bool {
	switch strings.ToLower(p) {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS5:
		return true
	}
	return false
}
