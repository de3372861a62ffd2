package proxypool

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"
)

// ValidateDue runs the icanhazip.com probe against every catalog entry
// whose needs_recheck() is true, bounded to fetchParallel concurrent
// probes via a weighted semaphore (§4.3 step 2, §6 PROXY_FETCH_PARALLEL).
func (p *Pool) ValidateDue(ctx context.Context, now time.Time) (checked int, accepted int, err error) {
	entries, err := p.All()
	if err != nil {
		return 0, 0, err
	}

	var due []Entry
	for _, e := range entries {
		if e.needsRecheck(now) {
			due = append(due, e)
		}
	}

	sem := semaphore.NewWeighted(int64(p.fetchParallel))
	results := make(chan Entry, len(due))

	for _, e := range due {
		e := e
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			results <- p.validateOne(ctx, e, now)
		}()
	}

	// Drain exactly len(due) results; validateOne never blocks past ctx.
	for i := 0; i < len(due); i++ {
		select {
		case r := <-results:
			checked++
			if r.Accepted {
				accepted++
			}
			if err := p.saveValidation(r); err != nil {
				p.log.Warnw("proxypool: save validation result", "addr", r.Addr, "error", err)
			}
		case <-ctx.Done():
			return checked, accepted, ctx.Err()
		}
	}
	return checked, accepted, nil
}

// validateOne runs a single probe. It never returns an error: failures
// are folded into the returned Entry's Checked=true/Accepted=false
// state, matching _socks5_check_proxy's "a failed check is still a
// completed check" behavior.
func (p *Pool) validateOne(ctx context.Context, e Entry, now time.Time) Entry {
	start := time.Now()
	remoteIP, err := p.proxyValidator.Validate(ctx, e.Addr)
	lag := time.Since(start)

	e.Checked = true
	e.LastCheck = &now
	e.LastLag = &lag

	if err != nil {
		e.Accepted = false
		e.LastCheckError = err.Error()
		e.FailedChecks++
		if p.metrics != nil {
			p.metrics.ProxyAttempts.WithLabelValues(e.Addr, e.Category, "reject").Inc()
		}
		return e
	}

	e.Accepted = true
	e.LastCheckError = ""
	e.LastRemoteIP = remoteIP
	e.FailedChecks = 0
	if p.metrics != nil {
		p.metrics.ProxyAttempts.WithLabelValues(e.Addr, e.Category, "accept").Inc()
	}
	return e
}

func (p *Pool) saveValidation(e Entry) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return p.upsert(tx, e)
	})
}

// PruneStale deletes every checked, accepted=false entry that has
// outlived EntryDeleteSeconds since its last scrape (§4.3 step 3);
// entries not yet validated are kept.
func (p *Pool) PruneStale(now time.Time) (int, error) {
	entries, err := p.All()
	if err != nil {
		return 0, err
	}
	n := 0
	err = p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(proxyEntryBucket))
		if b == nil {
			return nil
		}
		for _, e := range entries {
			if e.needsDelete(now) {
				if err := b.Delete(entryKey(e.Addr)); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("proxypool: prune stale entries: %w", err)
	}
	return n, nil
}
