package proxyrace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullisland/planetstream/request"
)

var errNoProxies = errors.New("no accepted proxies available")

// raceResult is what the winning attempt (or the sole surviving error)
// reports back to race().
type raceResult struct {
	data      []byte
	proxyAddr string
	err       error
}

// race runs up to d.raceSize() proxy attempts in parallel with a
// staggered dispatch schedule, returns the first success, and cancels
// every remaining attempt (§4.2 step 4, testable property "at most one
// winner is recorded").
func race[T any](ctx context.Context, d *Deps, req request.Request[T]) ([]byte, string, error) {
	proxies, err := d.Pool.GetRandomProxies(d.raceSize())
	if err != nil {
		return nil, "", fmt.Errorf("proxyrace: select proxies: %w", err)
	}
	if len(proxies) == 0 {
		return nil, "", errNoProxies
	}
	domain := targetDomain(d, req)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(proxies))
	g, gctx := errgroup.WithContext(raceCtx)
	for i, p := range proxies {
		i, p := i, p
		g.Go(func() error {
			delay := d.dispatchDelay(i)
			select {
			case <-time.After(delay):
			case <-gctx.Done():
				results <- raceResult{err: gctx.Err(), proxyAddr: p.Addr}
				return nil
			}

			url, err := req.URL(d.Registry, i)
			if err != nil {
				results <- raceResult{err: err, proxyAddr: p.Addr}
				return nil
			}
			data, err := d.Fetcher.Fetch(gctx, p.Addr, url)
			results <- raceResult{data: data, err: err, proxyAddr: p.Addr}
			return nil
		})
	}

	var lastErr error
	for i := 0; i < len(proxies); i++ {
		r := <-results
		category := categoryFor(d, r.proxyAddr)
		if r.err == nil {
			d.Metrics.ProxyAttempts.WithLabelValues(r.proxyAddr, category, "success").Inc()
			recordDownloadStat(d, r.proxyAddr, category, domain, "success")
			cancel()
			return r.data, r.proxyAddr, nil
		}
		d.Metrics.ProxyAttempts.WithLabelValues(r.proxyAddr, category, "failure").Inc()
		recordDownloadStat(d, r.proxyAddr, category, domain, "error")
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = errNoProxies
	}
	return nil, "", fmt.Errorf("proxyrace: every proxy attempt failed: %w", lastErr)
}

// targetDomain derives the hostname a race will hit, for the
// target-domain-keyed stat families (§4.3). Shard index 0 is enough:
// the host differs at most by the "{s}" subdomain token, not by domain.
func targetDomain[T any](d *Deps, req request.Request[T]) string {
	raw, err := req.URL(d.Registry, 0)
	if err != nil {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// recordDownloadStat feeds the proxy_download_* counter families
// (§4.3): one row keyed by proxy address, one by category, both keyed
// on target domain.
func recordDownloadStat(d *Deps, addr, category, domain, event string) {
	if d.Pool == nil {
		return
	}
	now := time.Now()
	_ = d.Pool.IncrStat("proxy_download_socksaddr_targetdomain", addr, domain, event, now)
	_ = d.Pool.IncrStat("proxy_download_sockscateg_targetdomain", category, domain, event, now)
}

// recordParseStat feeds the proxy_parse_* counter families (§4.3), the
// parse-step twin of recordDownloadStat.
func recordParseStat(d *Deps, addr, category, domain, event string) {
	if d.Pool == nil {
		return
	}
	now := time.Now()
	_ = d.Pool.IncrStat("proxy_parse_socksaddr_targetdomain", addr, domain, event, now)
	_ = d.Pool.IncrStat("proxy_parse_sockscateg_targetdomain", category, domain, event, now)
}

func categoryFor(d *Deps, addr string) string {
	if d.Pool == nil {
		return ""
	}
	all, err := d.Pool.Accepted()
	if err != nil {
		return ""
	}
	for _, e := range all {
		if e.Addr == addr {
			return e.Category
		}
	}
	return ""
}
