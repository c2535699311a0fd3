package source

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
)

const defaultRowSelector = "table tbody tr"

func rowSelector(p types.SourceProfile) string {
	if p.Selector != "" {
		return p.Selector
	}
	return defaultRowSelector
}

func columns(p types.SourceProfile) (ipCol, portCol int) {
	ipCol, portCol = p.IPColumn, p.PortColumn
	if ipCol == portCol {
		portCol = ipCol + 1
	}
	return ipCol, portCol
}

// rowEntry builds an entry from a table row's cell texts.
// An ip cell that already carries host:port wins over the port column.
func rowEntry(cells []string, p types.SourceProfile) (entry, bool) {
	ipCol, portCol := columns(p)
	if ipCol >= len(cells) {
		return entry{}, false
	}
	ip := strings.TrimSpace(cells[ipCol])
	if h, port, err := net.SplitHostPort(ip); err == nil {
		return entry{host: h, port: port}, true
	}
	if portCol >= len(cells) {
		return entry{}, false
	}
	return entry{host: ip, port: strings.TrimSpace(cells[portCol])}, true
}

// parseHTMLTable reads relay rows from a static HTML table.
func parseHTMLTable(body []byte, p types.SourceProfile) ([]entry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var entries []entry
	doc.Find(rowSelector(p)).Each(func(i int, row *goquery.Selection) {
		var cells []string
		row.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, td.Text())
		})
		if e, ok := rowEntry(cells, p); ok {
			entries = append(entries, e)
		}
	})
	return entries, nil
}

// collyScraper crawls listing pages with a fresh colly collector per run.
type collyScraper struct {
	profile types.SourceProfile
	now     time.Time
}

func (s *collyScraper) Name() string { return s.profile.Name }

func (s *collyScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Source")
	p := s.profile

	c := colly.NewCollector(colly.UserAgent(userAgent))
	c.SetRequestTimeout(timeoutOf(p))
	c.OnRequest(func(r *colly.Request) {
		for k, v := range p.Headers {
			r.Headers.Set(k, v)
		}
	})

	var (
		mu        sync.Mutex
		entries   []entry
		scrapeErr error
	)
	c.OnHTML(rowSelector(p), func(e *colly.HTMLElement) {
		cells := e.ChildTexts("td")
		if ent, ok := rowEntry(cells, p); ok {
			mu.Lock()
			entries = append(entries, ent)
			mu.Unlock()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	pages := append([]string{p.URL}, p.Pages...)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.Debug().Str("url", page).Str("source", p.Name).Msg("Visiting page...")
		if err := c.Visit(page); err != nil {
			l.Warn().Err(err).Str("url", page).Msg("Visit failed.")
			mu.Lock()
			if scrapeErr == nil {
				scrapeErr = err
			}
			mu.Unlock()
		}
	}
	c.Wait()

	if len(entries) == 0 && scrapeErr != nil {
		return nil, scrapeErr
	}
	return normalize(entries, p, s.now), nil
}
