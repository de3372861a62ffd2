package proxypool

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// nonAddrChar and repeatedSpace implement §4.3 step 2's cleanup pass:
// replace every character that isn't a digit or a dot with a space,
// then collapse runs of spaces down to one, before the addr:port
// regex ever runs.
var nonAddrChar = regexp.MustCompile(`[^0-9.]`)
var repeatedSpace = regexp.MustCompile(` +`)

// proxyListPattern is the §4.3 "IP PORT" extraction regex, applied to
// the cleaned text: four dot-separated octet candidates, a space, a
// port candidate. Octet and port range validation happens separately
// in ParseProxyList since a regex alone can't bound a 1-3 digit group
// to <=255.
var proxyListPattern = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3} \d{2,5}`)

// ParseProxyList extracts addr:port candidates from a scraped page
// body, deduplicating in encounter order. A candidate is only kept if
// every IP octet is <=255 and the port is <=65535, per §4.3 step 2.
func ParseProxyList(body []byte) []string {
	cleaned := nonAddrChar.ReplaceAll(body, []byte(" "))
	cleaned = repeatedSpace.ReplaceAll(cleaned, []byte(" "))

	matches := proxyListPattern.FindAll(cleaned, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		parts := strings.Fields(string(m))
		if len(parts) != 2 {
			continue
		}
		ip, portStr := parts[0], parts[1]
		if !validIPv4(ip) {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port > 65535 {
			continue
		}
		addr := fmt.Sprintf("%s:%s", ip, portStr)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// validIPv4 checks that ip is four dot-separated octets, each <=255.
func validIPv4(ip string) bool {
	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

func (p *Pool) lastScraperRefresh(tx *bbolt.Tx, name string) (time.Time, bool) {
	b := tx.Bucket([]byte(scraperRefreshTable))
	if b == nil {
		return time.Time{}, false
	}
	raw := b.Get([]byte(name))
	if raw == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *Pool) setScraperRefresh(tx *bbolt.Tx, name string, at time.Time) error {
	b, err := tx.CreateBucketIfNotExists([]byte(scraperRefreshTable))
	if err != nil {
		return err
	}
	return b.Put([]byte(name), []byte(at.Format(time.RFC3339Nano)))
}

// dueScrapers returns the configured scrapers whose last refresh is
// older than ScraperRefreshSeconds (or that have never run).
func (p *Pool) dueScrapers(now time.Time) ([]ScraperConfig, error) {
	var due []ScraperConfig
	err := p.db.View(func(tx *bbolt.Tx) error {
		for _, sc := range p.scrapers {
			last, ok := p.lastScraperRefresh(tx, sc.Name)
			if !ok || now.Sub(last) > time.Duration(ScraperRefreshSeconds)*time.Second {
				due = append(due, sc)
			}
		}
		return nil
	})
	return due, err
}

// ScrapeDue runs ScrapeOne for every scraper that is due for refresh,
// returning the total number of new or touched entries.
func (p *Pool) ScrapeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := p.dueScrapers(now)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, sc := range due {
		n, err := p.ScrapeOne(ctx, sc, now)
		if err != nil {
			p.log.Warnw("proxypool: scrape failed", "scraper", sc.Name, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// ScrapeOne fetches one scraper's source page, extracts candidate
// addresses, and upserts them into the catalog as unchecked entries
// (§4.3 step 1).
func (p *Pool) ScrapeOne(ctx context.Context, sc ScraperConfig, now time.Time) (int, error) {
	body, err := p.pageFetcher.FetchPage(ctx, sc.URL)
	if err != nil {
		return 0, fmt.Errorf("proxypool: fetch %s: %w", sc.Name, err)
	}
	addrs := ParseProxyList(body)

	err = p.db.Update(func(tx *bbolt.Tx) error {
		for _, addr := range addrs {
			existing, found, err := p.get(tx, addr)
			if err != nil {
				return err
			}
			if found {
				existing.LastScraped = now
				if err := p.upsert(tx, existing); err != nil {
					return err
				}
				continue
			}
			if err := p.upsert(tx, Entry{
				Addr:        addr,
				Category:    sc.Name,
				LastScraped: now,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		return p.setScraperRefresh(tx, sc.Name, now)
	})
	if err != nil {
		return 0, fmt.Errorf("proxypool: store scrape results for %s: %w", sc.Name, err)
	}
	return len(addrs), nil
}
