package proxypool

import (
	"fmt"
	"math"
)

// GetRandomProxies draws up to n distinct accepted proxies, weighted by
// (1+2*success)/(1+success+err) per §4.1/§4.3, the same distribution
// the proxy racer samples from when choosing which proxies to race.
func (p *Pool) GetRandomProxies(n int) ([]Entry, error) {
	pool, err := p.Accepted()
	if err != nil {
		return nil, fmt.Errorf("proxypool: get random proxies: %w", err)
	}
	return weightedSample(p.rng, pool, n), nil
}

type randSource interface {
	Float64() float64
}

// weightedSample performs sampling-without-replacement via the
// efficient weighted reservoir trick: draw a key = U^(1/weight) per
// item and keep the n largest keys.
func weightedSample(rng randSource, pool []Entry, n int) []Entry {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n >= len(pool) {
		out := make([]Entry, len(pool))
		copy(out, pool)
		return out
	}

	type scored struct {
		e   Entry
		key float64
	}
	scoredPool := make([]scored, len(pool))
	for i, e := range pool {
		w := e.weight()
		if w <= 0 {
			w = 1e-9
		}
		u := rng.Float64()
		if u <= 0 {
			u = 1e-9
		}
		scoredPool[i] = scored{e: e, key: math.Pow(u, 1/w)}
	}

	// Partial selection sort for the top n keys; pool sizes here are
	// small (tens of proxies), so O(n*len) beats pulling in a heap.
	out := make([]Entry, 0, n)
	used := make([]bool, len(scoredPool))
	for k := 0; k < n; k++ {
		best := -1
		for i, s := range scoredPool {
			if used[i] {
				continue
			}
			if best == -1 || s.key > scoredPool[best].key {
				best = i
			}
		}
		used[best] = true
		out = append(out, scoredPool[best].e)
	}
	return out
}
