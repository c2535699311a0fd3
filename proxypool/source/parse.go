package source

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
)

// entry is one raw relay as read from a source, before normalization.
type entry struct {
	host     string
	port     string
	protocol string
	username string
	password string
}

// parseJSON accepts a top-level array or an array nested under a well-known key.
func parseJSON(body []byte, _ types.SourceProfile) ([]entry, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"data", "results", "proxies", "list"} {
			if arr, ok := v[key].([]any); ok {
				items = arr
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("no proxy list found in json object")
		}
	default:
		return nil, fmt.Errorf("unexpected json document of type %T", doc)
	}

	entries := make([]entry, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			if e, ok := parseLine(v); ok {
				entries = append(entries, e)
			}
		case map[string]any:
			entries = append(entries, jsonEntry(v))
		}
	}
	return entries, nil
}

func jsonEntry(m map[string]any) entry {
	var e entry
	e.host = firstString(m, "ip", "host", "address", "proxy_address")
	e.port = stringOf(m["port"])
	if e.port == "" {
		if ports, ok := m["ports"].(map[string]any); ok {
			e.port = firstString(ports, "http", "https")
		}
	}
	if e.port == "" {
		if h, p, err := net.SplitHostPort(e.host); err == nil {
			e.host, e.port = h, p
		}
	}
	e.protocol = firstString(m, "protocol", "type")
	if e.protocol == "" {
		if list, ok := m["protocols"].([]any); ok && len(list) > 0 {
			e.protocol = stringOf(list[0])
		}
	}
	e.username = stringOf(m["username"])
	e.password = stringOf(m["password"])
	return e
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	}
	return ""
}

// parseText reads one relay per line; blank lines and # comments are skipped.
func parseText(body []byte, _ types.SourceProfile) ([]entry, error) {
	var entries []entry
	for _, line := range strings.Split(string(body), "\n") {
		if e, ok := parseLine(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// parseLine accepts host:port or scheme://[user:pass@]host:port.
func parseLine(line string) (entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return entry{}, false
	}
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil || u.Port() == "" {
			return entry{}, false
		}
		e := entry{host: u.Hostname(), port: u.Port(), protocol: u.Scheme}
		if u.User != nil {
			e.username = u.User.Username()
			e.password, _ = u.User.Password()
		}
		return e, true
	}
	host, port, err := net.SplitHostPort(line)
	if err != nil {
		return entry{}, false
	}
	return entry{host: host, port: port}, true
}

// normalize turns raw entries into candidates: protocols are lowercased and checked,
// ports range-checked, duplicates dropped and the list truncated to max_proxies.
func normalize(entries []entry, p types.SourceProfile, now time.Time) []model.Candidate {
	seen := make(map[string]struct{}, len(entries))
	out := make([]model.Candidate, 0, len(entries))
	for _, e := range entries {
		if p.MaxProxies > 0 && len(out) >= p.MaxProxies {
			break
		}
		proto := strings.ToLower(strings.TrimSpace(e.protocol))
		if proto == "" {
			proto = strings.ToLower(p.Protocol)
		}
		if proto == "" {
			proto = model.ProtocolHTTP
		}
		if proto == "socks5h" {
			proto = model.ProtocolSOCKS5
		}
		if !model.SupportedProtocol(proto) {
			continue
		}
		host := strings.TrimSpace(e.host)
		port, err := strconv.Atoi(strings.TrimSpace(e.port))
		if !validHost(host) || err != nil || port < 1 || port > 65535 {
			continue
		}

		c := model.Candidate{
			Address:      net.JoinHostPort(host, strconv.Itoa(port)),
			Protocol:     proto,
			SourceID:     p.Name,
			DiscoveredAt: now,
		}
		if e.username != "" {
			c.Credentials = &model.Credentials{Username: e.username, Password: e.password}
		}
		if _, dup := seen[c.Key()]; dup {
			continue
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	return out
}

// validHost accepts an IP literal or a dotted name of letter/digit/hyphen labels.
func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// ParseList turns a plain relay list (one "[proto://][user:pass@]host:port" per line)
// into candidates attributed to sourceID. Used for manual imports.
func ParseList(text, defaultProtocol, sourceID string, now time.Time) []model.Candidate {
	entries, _ := parseText([]byte(text), types.SourceProfile{})
	return normalize(entries, types.SourceProfile{Name: sourceID, Protocol: defaultProtocol}, now)
}
