package proxyrace

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/nullisland/planetstream/metrics"
	"github.com/nullisland/planetstream/proxypool"
	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/request"
	"github.com/nullisland/planetstream/store"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeFetcher struct {
	goodProxy string
	body      []byte
	calls     map[string]int
}

func (f *fakeFetcher) Fetch(ctx context.Context, proxyAddr, url string) ([]byte, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[proxyAddr]++
	if proxyAddr == f.goodProxy {
		return f.body, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func testDeps(t *testing.T, fetcher Fetcher, accepted []string) (*Deps, *store.Cache) {
	t.Helper()
	dir := t.TempDir()
	cache, err := store.Open(filepath.Join(dir, "cache.bbolt"), dir)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	reg := registry.New()
	require.NoError(t, reg.Add(registry.ServerConfig{
		Name:        "osm",
		URLTemplate: "http://{s}.example/{z}/{x}/{y}.png",
		Width:       1,
		Height:      1,
		MaxLevel:    18,
		ImgFormat:   registry.FormatPNG,
		Shards:      []string{"a", "b", "c"},
	}))

	pool := proxypool.New(cache.DB(), zap.NewNop().Sugar(), nil, proxypool.Options{})
	now := time.Now()
	require.NoError(t, seedProxies(cache.DB(), accepted, now))

	return &Deps{
		Cache:           cache,
		Registry:        reg,
		Pool:            pool,
		Metrics:         metrics.New(prometheus.NewRegistry()),
		Fetcher:         fetcher,
		Log:             zap.NewNop().Sugar(),
		RaceSize:        3,
		DispatchBase:    time.Millisecond,
		DispatchStagger: time.Millisecond,
	}, cache
}

func seedProxies(db *bbolt.DB, addrs []string, now time.Time) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("socks5_proxy_entry_v2"))
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			raw, err := json.Marshal(proxypool.Entry{
				Addr:        addr,
				Accepted:    true,
				Checked:     true,
				LastScraped: now,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(addr), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestDownloadRacesProxiesAndStoresWinner(t *testing.T) {
	img := encodePNG(t, 1, 1)
	fetcher := &fakeFetcher{goodProxy: "good:1080", body: img}
	deps, _ := testDeps(t, fetcher, []string{"good:1080", "slow1:1080", "slow2:1080"})

	req := request.TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 1, Extension: "png"}
	result, err := Download[request.TileResult](context.Background(), deps, req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Width)

	entry, ok, err := store.Get[request.TileResult](deps.Cache, "tile_fetch_id", req.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Parsed.Width)
}

func TestDownloadIsCachedOnSecondCall(t *testing.T) {
	img := encodePNG(t, 1, 1)
	fetcher := &fakeFetcher{goodProxy: "good:1080", body: img}
	deps, _ := testDeps(t, fetcher, []string{"good:1080"})

	req := request.TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 1, Extension: "png"}
	_, err := Download[request.TileResult](context.Background(), deps, req)
	require.NoError(t, err)

	calls := fetcher.calls["good:1080"]
	_, err = Download[request.TileResult](context.Background(), deps, req)
	require.NoError(t, err)
	assert.Equal(t, calls, fetcher.calls["good:1080"], "second call should be served from cache, not refetch")
}

func TestDownloadRejectsInvalidRequest(t *testing.T) {
	deps, _ := testDeps(t, &fakeFetcher{}, nil)
	req := request.TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 99, Extension: "png"}
	_, err := Download[request.TileResult](context.Background(), deps, req)
	require.Error(t, err)
}

func TestDownloadRecordsTargetDomainStats(t *testing.T) {
	img := encodePNG(t, 1, 1)
	fetcher := &fakeFetcher{goodProxy: "good:1080", body: img}
	deps, _ := testDeps(t, fetcher, []string{"good:1080", "slow1:1080"})

	req := request.TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 1, Extension: "png"}
	_, err := Download[request.TileResult](context.Background(), deps, req)
	require.NoError(t, err)

	downloadAddr, err := deps.Pool.StatCount("proxy_download_socksaddr_targetdomain", "good:1080", "a.example", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), downloadAddr)

	downloadCateg, err := deps.Pool.StatCount("proxy_download_sockscateg_targetdomain", "", "a.example", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), downloadCateg)

	parseAddr, err := deps.Pool.StatCount("proxy_parse_socksaddr_targetdomain", "good:1080", "a.example", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), parseAddr)

	parseCateg, err := deps.Pool.StatCount("proxy_parse_sockscateg_targetdomain", "", "a.example", "success")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), parseCateg)
}
