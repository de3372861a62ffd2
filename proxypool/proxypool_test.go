package proxypool

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	body []byte
	err  error
}

func (f fakeFetcher) FetchPage(ctx context.Context, url string) ([]byte, error) {
	return f.body, f.err
}

type fakeValidator struct {
	accept map[string]string // addr -> remote ip; absent means reject
}

func (f fakeValidator) Validate(ctx context.Context, addr string) (string, error) {
	if ip, ok := f.accept[addr]; ok {
		return ip, nil
	}
	return "", fmt.Errorf("rejected")
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	dir := t.TempDir()
	db, err := bbolt.Open(filepath.Join(dir, "pool.bbolt"), 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop().Sugar(), nil, opts)
}

func TestParseProxyListExtractsDistinctAddrs(t *testing.T) {
	body := []byte(`<tr><td>12.34.56.78</td><td>1080</td></tr>
	<tr><td>12.34.56.78</td><td>1080</td></tr>
	<tr><td>9.9.9.9</td><td>9050</td></tr>`)
	addrs := ParseProxyList(body)
	assert.Equal(t, []string{"12.34.56.78:1080", "9.9.9.9:9050"}, addrs)
}

func TestScrapeOneUpsertsEntries(t *testing.T) {
	p := newTestPool(t, Options{
		Scrapers:    []ScraperConfig{{Name: "src1", URL: "http://example/list"}},
		PageFetcher: fakeFetcher{body: []byte("1.2.3.4 1080\n5.6.7.8 9050")},
	})
	now := time.Now()
	n, err := p.ScrapeOne(context.Background(), p.scrapers[0], now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := p.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, e := range all {
		assert.False(t, e.Checked)
		assert.Equal(t, "src1", e.Category)
	}
}

func TestScrapeDueSkipsFreshScrapers(t *testing.T) {
	p := newTestPool(t, Options{
		Scrapers:    []ScraperConfig{{Name: "src1", URL: "http://example/list"}},
		PageFetcher: fakeFetcher{body: []byte("1.2.3.4 1080")},
	})
	now := time.Now()
	n, err := p.ScrapeDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second call right away: scraper was just refreshed, so it's not due.
	n, err = p.ScrapeDue(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestValidateDueAcceptsAndRejects(t *testing.T) {
	p := newTestPool(t, Options{
		FetchParallel: 2,
		Validator:     fakeValidator{accept: map[string]string{"1.1.1.1:1080": "203.0.113.1"}},
	})
	now := time.Now()
	require.NoError(t, p.db.Update(func(tx *bbolt.Tx) error {
		if err := p.upsert(tx, Entry{Addr: "1.1.1.1:1080", LastScraped: now}); err != nil {
			return err
		}
		return p.upsert(tx, Entry{Addr: "2.2.2.2:1080", LastScraped: now})
	}))

	checked, accepted, err := p.ValidateDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, 1, accepted)

	all, err := p.All()
	require.NoError(t, err)
	byAddr := map[string]Entry{}
	for _, e := range all {
		byAddr[e.Addr] = e
	}
	assert.True(t, byAddr["1.1.1.1:1080"].Accepted)
	assert.Equal(t, "203.0.113.1", byAddr["1.1.1.1:1080"].LastRemoteIP)
	assert.False(t, byAddr["2.2.2.2:1080"].Accepted)
	assert.Equal(t, uint8(1), byAddr["2.2.2.2:1080"].FailedChecks)
}

func TestPruneStaleRemovesOldRejectedEntries(t *testing.T) {
	p := newTestPool(t, Options{})
	old := time.Now().Add(-(EntryDeleteSeconds + 100) * time.Second)
	now := time.Now()
	require.NoError(t, p.db.Update(func(tx *bbolt.Tx) error {
		if err := p.upsert(tx, Entry{Addr: "stale:1080", Checked: true, Accepted: false, LastScraped: old}); err != nil {
			return err
		}
		return p.upsert(tx, Entry{Addr: "fresh:1080", Checked: true, Accepted: false, LastScraped: now})
	}))

	n, err := p.PruneStale(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := p.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "fresh:1080", all[0].Addr)
}

func TestGetRandomProxiesOnlyReturnsAccepted(t *testing.T) {
	p := newTestPool(t, Options{})
	now := time.Now()
	require.NoError(t, p.db.Update(func(tx *bbolt.Tx) error {
		if err := p.upsert(tx, Entry{Addr: "a:1080", Accepted: true, SuccessCount: 10, LastScraped: now}); err != nil {
			return err
		}
		if err := p.upsert(tx, Entry{Addr: "b:1080", Accepted: false, LastScraped: now}); err != nil {
			return err
		}
		return p.upsert(tx, Entry{Addr: "c:1080", Accepted: true, LastScraped: now})
	}))

	got, err := p.GetRandomProxies(10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, e := range got {
		assert.True(t, e.Accepted)
	}
}

func TestWeightedSampleRespectsCount(t *testing.T) {
	pool := []Entry{
		{Addr: "a", SuccessCount: 100},
		{Addr: "b", SuccessCount: 1},
		{Addr: "c", ErrCount: 50},
	}
	out := weightedSample(deterministicRand{0.5}, pool, 2)
	assert.Len(t, out, 2)
}

func TestIncrStatAccumulates(t *testing.T) {
	p := newTestPool(t, Options{})
	now := time.Now()
	require.NoError(t, p.IncrStat("download", "tile_fetch_id", "1.1.1.1:1080", "success", now))
	require.NoError(t, p.IncrStat("download", "tile_fetch_id", "1.1.1.1:1080", "success", now))
	require.NoError(t, p.IncrStat("download", "tile_fetch_id", "1.1.1.1:1080", "error", now))

	count, err := p.StatCount("download", "tile_fetch_id", "1.1.1.1:1080", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestPruneStatsRemovesOldRows(t *testing.T) {
	p := newTestPool(t, Options{})
	old := time.Now().Add(-(EntryDeleteSeconds + 100) * time.Second)
	require.NoError(t, p.IncrStat("download", "tile_fetch_id", "", "success", old))

	n, err := p.PruneStats(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := p.StatCount("download", "tile_fetch_id", "", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}

type deterministicRand struct{ v float64 }

func (d deterministicRand) Float64() float64 { return d.v }
