package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	defaultTimeout = 30 * time.Second
)

// Parser names understood by the registry.
const (
	ParserJSON   = "json"
	ParserText   = "text"
	ParserHTML   = "html"
	ParserScrape = "scrape"
)

// Scraper 接口定义了从代理源抓取候选代理的行为。
// 实现者只负责抓取和初步解析，不进行验证。
type Scraper interface {
	Scrape(ctx context.Context) ([]model.Candidate, error)
	Name() string
}

// newScraper picks the scraper for a profile's parser.
func newScraper(p types.SourceProfile, client *resty.Client, now time.Time) (Scraper, error) {
	switch strings.ToLower(p.Parser) {
	case ParserJSON, "":
		return &httpScraper{profile: p, client: client, now: now, parse: parseJSON}, nil
	case ParserText:
		return &httpScraper{profile: p, client: client, now: now, parse: parseText}, nil
	case ParserHTML:
		return &httpScraper{profile: p, client: client, now: now, parse: parseHTMLTable}, nil
	case ParserScrape:
		return &collyScraper{profile: p, now: now}, nil
	}
	return nil, fmt.Errorf("unknown parser %q", p.Parser)
}

type parseFunc func(body []byte, p types.SourceProfile) ([]entry, error)

// httpScraper fetches one document with resty and hands it to a parser.
type httpScraper struct {
	profile types.SourceProfile
	client  *resty.Client
	now     time.Time
	parse   parseFunc
}

func (s *httpScraper) Name() string { return s.profile.Name }

func (s *httpScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	p := s.profile
	ctx, cancel := context.WithTimeout(ctx, timeoutOf(p))
	defer cancel()

	req := s.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", userAgent).
		SetHeaders(p.Headers)
	if p.Auth != nil {
		switch {
		case p.Auth.Token != "":
			req.SetAuthToken(p.Auth.Token)
		case p.Auth.Username != "":
			req.SetBasicAuth(p.Auth.Username, p.Auth.Password)
		}
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodPost && p.Body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(p.Body)
	}

	resp, err := req.Execute(method, p.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), p.URL)
	}

	entries, err := s.parse(resp.Body(), p)
	if err != nil {
		return nil, err
	}
	return normalize(entries, p, s.now), nil
}

func timeoutOf(p types.SourceProfile) time.Duration {
	if p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Second
	}
	return defaultTimeout
}
