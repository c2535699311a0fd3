package validator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/model"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultCacheTTL    = 300 * time.Second
	defaultCacheSize   = 4096
	defaultConcurrency = 10
	maxBodyBytes       = 64 << 10
	// ownIPRetryAfter is how long a failed own IP lookup is remembered.
	ownIPRetryAfter = 30 * time.Second
)

// DefaultTestURLs are probed when no test URLs are configured.
var DefaultTestURLs = []string{"http://httpbin.org/ip", "https://api.ipify.org?format=json"}

// Options configures a Validator.
type Options struct {
	TestURLs       []string
	CapabilityURLs []string
	CheckAnonymity bool
	OwnIPURL       string
	Timeout        time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	Concurrency    int
}

// Validator probes candidates through themselves and caches the verdicts.
type Validator struct {
	opts  Options
	sem   *semaphore.Weighted
	cache *lru.Cache[string, model.ValidationResult]
	now   func() time.Time

	direct *http.Client

	ipGroup    singleflight.Group
	ipMu       sync.Mutex
	ownIP      string
	ownIPErr   error
	ownIPErrAt time.Time
}

func NewValidator(opts Options) (*Validator, error) {
	if len(opts.TestURLs) == 0 {
		opts.TestURLs = DefaultTestURLs
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	cache, err := lru.New[string, model.ValidationResult](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create validation cache: %w", err)
	}
	return &Validator{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		cache:  cache,
		now:    time.Now,
		direct: &http.Client{Timeout: opts.Timeout},
	}, nil
}

// Validate returns the cached verdict for c when it is younger than the cache TTL,
// otherwise probes c and caches the new verdict.
func (v *Validator) Validate(ctx context.Context, c model.Candidate) model.ValidationResult {
	key := c.Key()
	if res, ok := v.cache.Get(key); ok && v.now().Sub(res.CheckedAt) < v.opts.CacheTTL {
		return res
	}

	if err := v.sem.Acquire(ctx, 1); err != nil {
		return v.failure(model.ErrorOther, err)
	}
	defer v.sem.Release(1)

	res := v.probe(ctx, c)
	if ctx.Err() != nil {
		// the caller gave up; the verdict says nothing about the relay
		return res
	}
	v.cache.Add(key, res)
	return res
}

// ValidateBatch validates candidates concurrently. Results keep the input order.
func (v *Validator) ValidateBatch(ctx context.Context, cands []model.Candidate) []model.ValidationResult {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]model.ValidationResult, len(cands))
	if len(cands) == 0 {
		return results
	}
	l.Info().Int("count", len(cands)).Int("concurrency", v.opts.Concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	for i, c := range cands {
		wg.Add(1)
		go func(i int, c model.Candidate) {
			defer wg.Done()
			results[i] = v.Validate(ctx, c)
		}(i, c)
	}
	wg.Wait()

	valid := 0
	for _, r := range results {
		if r.Valid {
			valid++
		}
	}
	l.Info().Int("valid", valid).Int("total", len(cands)).Msg("Validation batch finished.")
	return results
}

// CleanupCache drops cached verdicts older than the TTL and returns how many were removed.
func (v *Validator) CleanupCache() int {
	now := v.now()
	removed := 0
	for _, key := range v.cache.Keys() {
		res, ok := v.cache.Peek(key)
		if ok && now.Sub(res.CheckedAt) >= v.opts.CacheTTL {
			v.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// CacheLen is the number of cached verdicts, expired ones included.
func (v *Validator) CacheLen() int { return v.cache.Len() }

func (v *Validator) probe(ctx context.Context, c model.Candidate) model.ValidationResult {
	client, err := v.clientFor(c)
	if err != nil {
		return v.failure(model.ErrorOther, err)
	}
	defer client.CloseIdleConnections()

	start := v.now()
	var lastKind model.ErrorKind = model.ErrorOther
	var lastErr error
	for _, target := range v.opts.TestURLs {
		body, status, err := v.get(ctx, client, target)
		if err != nil {
			lastKind, lastErr = classify(err), err
			continue
		}
		if status != http.StatusOK {
			lastKind, lastErr = model.ErrorHTTP, fmt.Errorf("%s returned status %d", target, status)
			continue
		}
		elapsed := v.now().Sub(start)

		for _, capURL := range v.opts.CapabilityURLs {
			_, capStatus, err := v.get(ctx, client, capURL)
			if err != nil {
				return v.failure(classify(err), fmt.Errorf("capability probe %s: %w", capURL, err))
			}
			if capStatus >= http.StatusBadRequest {
				return v.failure(model.ErrorHTTP, fmt.Errorf("capability probe %s returned status %d", capURL, capStatus))
			}
		}

		res := model.ValidationResult{
			Valid:        true,
			ResponseTime: elapsed,
			ErrorKind:    model.ErrorNone,
			CheckedAt:    v.now(),
		}
		if v.opts.CheckAnonymity {
			res.Anonymous = v.isAnonymous(ctx, egressIP(body))
		}
		return res
	}
	return v.failure(lastKind, lastErr)
}

func (v *Validator) failure(kind model.ErrorKind, err error) model.ValidationResult {
	res := model.ValidationResult{ErrorKind: kind, CheckedAt: v.now()}
	if err != nil {
		res.Err = err.Error()
	}
	return res
}

func (v *Validator) get(ctx context.Context, client *http.Client, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// clientFor builds a one-shot HTTP client that routes through the candidate.
func (v *Validator) clientFor(c model.Candidate) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       v.opts.Timeout,
		TLSHandshakeTimeout:   v.opts.Timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	dialer := &net.Dialer{Timeout: v.opts.Timeout}

	switch strings.ToLower(c.Protocol) {
	case model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if c.Credentials != nil && c.Credentials.Username != "" {
			auth = &proxy.Auth{User: c.Credentials.Username, Password: c.Credentials.Password}
		}
		d, err := proxy.SOCKS5("tcp", c.Address, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		// listed "https" relays are plain-text proxies that support CONNECT
		proxyURL := &url.URL{Scheme: "http", Host: c.Address}
		if c.Credentials != nil && c.Credentials.Username != "" {
			proxyURL.User = url.UserPassword(c.Credentials.Username, c.Credentials.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		transport.DialContext = dialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	return &http.Client{Transport: transport, Timeout: v.opts.Timeout}, nil
}

// isAnonymous compares the egress IP seen through the relay with our own.
func (v *Validator) isAnonymous(ctx context.Context, egress string) bool {
	if egress == "" {
		return false
	}
	own, err := v.ownAddress(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Own IP lookup failed; treating relay as not anonymous.")
		return false
	}
	return own != egress
}

// ownAddress returns the caller's own egress IP. Concurrent callers share one lookup,
// and a failed lookup is not retried for ownIPRetryAfter.
func (v *Validator) ownAddress(ctx context.Context) (string, error) {
	v.ipMu.Lock()
	if v.ownIP != "" {
		ip := v.ownIP
		v.ipMu.Unlock()
		return ip, nil
	}
	if v.ownIPErr != nil && v.now().Sub(v.ownIPErrAt) < ownIPRetryAfter {
		err := v.ownIPErr
		v.ipMu.Unlock()
		return "", err
	}
	v.ipMu.Unlock()

	ip, err, _ := v.ipGroup.Do("own-ip", func() (any, error) {
		ip, err := v.lookupOwnIP(context.WithoutCancel(ctx))
		v.ipMu.Lock()
		defer v.ipMu.Unlock()
		if err != nil {
			v.ownIPErr, v.ownIPErrAt = err, v.now()
			return "", err
		}
		v.ownIP, v.ownIPErr = ip, nil
		return ip, nil
	})
	if err != nil {
		return "", err
	}
	return ip.(string), nil
}

func (v *Validator) lookupOwnIP(ctx context.Context) (string, error) {
	if v.opts.OwnIPURL == "" {
		return "", errors.New("own_ip_url not configured")
	}
	body, status, err := v.get(ctx, v.direct, v.opts.OwnIPURL)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("own ip lookup returned status %d", status)
	}
	ip := egressIP(body)
	if ip == "" {
		return "", errors.New("own ip lookup returned no address")
	}
	return ip, nil
}

// egressIP extracts the address from an httpbin or ipify style body.
func egressIP(body []byte) string {
	var payload struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		if ip := strings.TrimSpace(string(body)); net.ParseIP(ip) != nil {
			return ip
		}
		return ""
	}
	ip := payload.IP
	if ip == "" {
		ip = payload.Origin
	}
	// httpbin reports every hop: "client, proxy"
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	return strings.TrimSpace(ip)
}

func classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.ErrorConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ErrorConnection
	}
	return model.ErrorOther
}
