package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(profiles ...types.SourceProfile) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(nil)
	r.now = clock.now
	for _, p := range profiles {
		r.Register(p)
	}
	return r, clock
}

func serve(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_TextList(t *testing.T) {
	srv, _ := serve(t, "# free list\n1.1.1.1:8080\n\nsocks5://u:p@2.2.2.2:1080\nHTTPS://3.3.3.3:443\nftp://4.4.4.4:21\n5.5.5.5:99999\n1.1.1.1:8080\n")
	r, _ := newTestRegistry(types.SourceProfile{Name: "list", URL: srv.URL, Parser: ParserText, Active: true})

	cands, err := r.Fetch(context.Background(), "list")
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, "http://1.1.1.1:8080", cands[0].Key())
	assert.Equal(t, "socks5://2.2.2.2:1080", cands[1].Key())
	require.NotNil(t, cands[1].Credentials)
	assert.Equal(t, "u", cands[1].Credentials.Username)
	assert.Equal(t, "https://3.3.3.3:443", cands[2].Key())
	for _, c := range cands {
		assert.Equal(t, "list", c.SourceID)
	}
}

func TestFetch_JSONShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "top-level array",
			body: `[{"ip": "1.1.1.1", "port": 3128, "protocol": "HTTP"}, {"host": "2.2.2.2", "port": "1080", "type": "socks5"}]`,
			want: []string{"http://1.1.1.1:3128", "socks5://2.2.2.2:1080"},
		},
		{
			name: "nested under data",
			body: `{"code": 0, "data": [{"address": "3.3.3.3:8000"}, {"proxy_address": "4.4.4.4", "ports": {"http": 8080}}]}`,
			want: []string{"http://3.3.3.3:8000", "http://4.4.4.4:8080"},
		},
		{
			name: "protocols list",
			body: `{"proxies": [{"ip": "5.5.5.5", "port": 1080, "protocols": ["socks5", "http"]}]}`,
			want: []string{"socks5://5.5.5.5:1080"},
		},
		{
			name: "plain strings",
			body: `{"list": ["6.6.6.6:80", "not-a-proxy"]}`,
			want: []string{"http://6.6.6.6:80"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := serve(t, tt.body)
			r, _ := newTestRegistry(types.SourceProfile{Name: "api", URL: srv.URL, Parser: ParserJSON, Active: true})
			cands, err := r.Fetch(context.Background(), "api")
			require.NoError(t, err)
			var keys []string
			for _, c := range cands {
				keys = append(keys, c.Key())
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestFetch_PostWithAuth(t *testing.T) {
	var gotAuth, gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `{"data": [{"ip": "1.1.1.1", "port": 80}]}`)
	}))
	defer srv.Close()

	r, _ := newTestRegistry(types.SourceProfile{
		Name: "paid", URL: srv.URL, Parser: ParserJSON, Method: "post", Active: true,
		Headers: map[string]string{"X-Api-Key": "k"},
		Body:    map[string]any{"count": 10},
		Auth:    &types.SourceAuth{Token: "tkn"},
	})
	cands, err := r.Fetch(context.Background(), "paid")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer tkn", gotAuth)
	assert.Equal(t, "k", gotHeader)
}

func TestFetch_MaxProxies(t *testing.T) {
	srv, _ := serve(t, "1.1.1.1:1\n1.1.1.1:2\n1.1.1.1:3\n1.1.1.1:4\n")
	r, _ := newTestRegistry(types.SourceProfile{Name: "list", URL: srv.URL, Parser: ParserText, MaxProxies: 2, Active: true})
	cands, err := r.Fetch(context.Background(), "list")
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestFetch_ThrottledWithoutNetwork(t *testing.T) {
	srv, hits := serve(t, "1.1.1.1:8080\n")
	r, clock := newTestRegistry(types.SourceProfile{Name: "list", URL: srv.URL, Parser: ParserText, FetchInterval: 300, Active: true})

	cands, err := r.Fetch(context.Background(), "list")
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	clock.advance(299 * time.Second)
	cands, err = r.Fetch(context.Background(), "list")
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.EqualValues(t, 1, hits.Load())

	clock.advance(2 * time.Second)
	cands, err = r.Fetch(context.Background(), "list")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetch_InactiveAndUnknown(t *testing.T) {
	srv, hits := serve(t, "1.1.1.1:8080\n")
	r, _ := newTestRegistry(types.SourceProfile{Name: "off", URL: srv.URL, Parser: ParserText, Active: false})

	cands, err := r.Fetch(context.Background(), "off")
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.EqualValues(t, 0, hits.Load())

	_, err = r.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestFetch_ErrorFoldsIntoRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r, _ := newTestRegistry(types.SourceProfile{Name: "flaky", URL: srv.URL, Parser: ParserText, Active: true})
	_, err := r.Fetch(context.Background(), "flaky")

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "flaky", fetchErr.Source)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 0.7, snap[0].SuccessRate, 1e-9)
	assert.True(t, snap[0].Active)
	assert.Contains(t, snap[0].LastError, "502")
}

func TestFetch_HTMLTable(t *testing.T) {
	page := `<html><body><table>
<thead><tr><th>IP</th><th>Port</th></tr></thead>
<tbody>
<tr><td>1.1.1.1</td><td>8080</td><td>CN</td></tr>
<tr><td> 2.2.2.2 </td><td>3128</td><td>US</td></tr>
<tr><td>3.3.3.3:9000</td><td></td></tr>
</tbody></table></body></html>`
	srv, _ := serve(t, page)
	r, _ := newTestRegistry(types.SourceProfile{Name: "table", URL: srv.URL, Parser: ParserHTML, Active: true})

	cands, err := r.Fetch(context.Background(), "table")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "1.1.1.1:8080", cands[0].Address)
	assert.Equal(t, "2.2.2.2:3128", cands[1].Address)
	assert.Equal(t, "3.3.3.3:9000", cands[2].Address)
}

func TestFetch_ScrapePages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/free/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="list"><table><tr><td>x</td><td>1.1.1.1</td><td>80</td></tr></table></div></body></html>`)
	})
	mux.HandleFunc("/free/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="list"><table><tr><td>y</td><td>2.2.2.2</td><td>81</td></tr></table></div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, _ := newTestRegistry(types.SourceProfile{
		Name: "crawl", URL: srv.URL + "/free/1", Pages: []string{srv.URL + "/free/2"},
		Parser: ParserScrape, Selector: "div.list tr", IPColumn: 1, PortColumn: 2, Active: true,
	})
	cands, err := r.Fetch(context.Background(), "crawl")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "1.1.1.1:80", cands[0].Address)
	assert.Equal(t, "2.2.2.2:81", cands[1].Address)
}

func TestFetchAll_Dedupes(t *testing.T) {
	a, _ := serve(t, "1.1.1.1:80\n2.2.2.2:80\n")
	b, _ := serve(t, "2.2.2.2:80\n3.3.3.3:80\n")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	r, _ := newTestRegistry(
		types.SourceProfile{Name: "a", URL: a.URL, Parser: ParserText, Active: true},
		types.SourceProfile{Name: "b", URL: b.URL, Parser: ParserText, Active: true},
		types.SourceProfile{Name: "c", URL: down.URL, Parser: ParserText, Active: true},
	)
	cands := r.FetchAll(context.Background())
	require.Len(t, cands, 3)
	keys := map[string]string{}
	for _, c := range cands {
		keys[c.Key()] = c.SourceID
	}
	assert.Equal(t, "a", keys["http://2.2.2.2:80"])
}

func TestUpdateSourceStats(t *testing.T) {
	r, _ := newTestRegistry(types.SourceProfile{Name: "s", Active: true})

	r.UpdateSourceStats("s", 5, 10)
	snap := r.Snapshot()[0]
	assert.InDelta(t, 0.3*0.5+0.7*1.0, snap.SuccessRate, 1e-9)

	// an empty cycle changes nothing
	r.UpdateSourceStats("s", 0, 0)
	assert.InDelta(t, 0.85, r.Snapshot()[0].SuccessRate, 1e-9)
	assert.Equal(t, 0, r.Snapshot()[0].ZeroYieldStreak)
}

func TestUpdateSourceStats_ZeroYieldDeactivates(t *testing.T) {
	r, _ := newTestRegistry(types.SourceProfile{Name: "s", Active: true})

	r.UpdateSourceStats("s", 0, 10)
	r.UpdateSourceStats("s", 0, 10)
	assert.True(t, r.Snapshot()[0].Active)

	// a productive cycle resets the streak
	r.UpdateSourceStats("s", 1, 10)
	r.UpdateSourceStats("s", 0, 10)
	r.UpdateSourceStats("s", 0, 10)
	assert.True(t, r.Snapshot()[0].Active)

	r.UpdateSourceStats("s", 0, 10)
	assert.False(t, r.Snapshot()[0].Active)

	require.True(t, r.Reactivate("s"))
	snap := r.Snapshot()[0]
	assert.True(t, snap.Active)
	assert.Equal(t, 0, snap.ZeroYieldStreak)
	assert.False(t, r.Reactivate("missing"))
}

func TestCleanup(t *testing.T) {
	srv, _ := serve(t, "1.1.1.1:80\n")
	r, clock := newTestRegistry(
		types.SourceProfile{Name: "fresh", URL: srv.URL, Parser: ParserText, FetchInterval: 60, Active: true},
		types.SourceProfile{Name: "stale", URL: srv.URL, Parser: ParserText, FetchInterval: 60, Active: true},
		types.SourceProfile{Name: "manual", URL: srv.URL, Parser: ParserText, Active: true},
	)

	clock.advance(150 * time.Second)
	_, err := r.Fetch(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, r.Cleanup())

	clock.advance(31 * time.Second)
	assert.Equal(t, []string{"stale"}, r.Cleanup())

	byName := map[string]Source{}
	for _, s := range r.Snapshot() {
		byName[s.Profile.Name] = s
	}
	assert.True(t, byName["fresh"].Active)
	assert.False(t, byName["stale"].Active)
	assert.True(t, byName["manual"].Active, "sources without an interval are never stale")

	// reactivation restarts the staleness clock
	require.True(t, r.Reactivate("stale"))
	assert.Empty(t, r.Cleanup())
}

func TestNormalize(t *testing.T) {
	now := time.Unix(1, 0)
	p := types.SourceProfile{Name: "n", Protocol: "SOCKS5"}
	got := normalize([]entry{
		{host: "1.1.1.1", port: "1080"},
		{host: "1.1.1.1", port: "1080", protocol: "socks5h"},
		{host: "", port: "80"},
		{host: "2.2.2.2", port: "0"},
		{host: "3.3.3.3", port: "8080", protocol: "http", username: "u", password: "p"},
		{host: "::1", port: "8080", protocol: "http"},
	}, p, now)

	require.Len(t, got, 3)
	assert.Equal(t, model.ProtocolSOCKS5, got[0].Protocol)
	assert.Equal(t, now, got[0].DiscoveredAt)
	assert.Equal(t, "http://3.3.3.3:8080", got[1].Key())
	require.NotNil(t, got[1].Credentials)
	assert.Equal(t, "[::1]:8080", got[2].Address)
}

func TestNormalize_RejectsMalformedHosts(t *testing.T) {
	got := normalize([]entry{
		{host: "1.2.3.4 (anon)", port: "80"},
		{host: "evil|host", port: "80"},
		{host: "-bad.example.com", port: "80"},
		{host: "a..b", port: "80"},
		{host: "proxy-1.example.com", port: "3128"},
		{host: "5.6.7.8", port: "80"},
	}, types.SourceProfile{Name: "n"}, time.Unix(1, 0))

	require.Len(t, got, 2)
	assert.Equal(t, "proxy-1.example.com:3128", got[0].Address)
	assert.Equal(t, "5.6.7.8:80", got[1].Address)

	assert.True(t, validHost("::1"))
	assert.False(t, validHost(""))
}

func TestParseList(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	got := ParseList("1.2.3.4:80\n# comment\nsocks5://u:p@5.6.7.8:1080\nbad line\n1.2.3.4:80\n", "https", "manual", now)

	require.Len(t, got, 2)
	assert.Equal(t, "https", got[0].Protocol)
	assert.Equal(t, "manual", got[0].SourceID)
	assert.Equal(t, now, got[0].DiscoveredAt)
	assert.Equal(t, "socks5", got[1].Protocol)
	require.NotNil(t, got[1].Credentials)
	assert.Equal(t, "u", got[1].Credentials.Username)
}
