package proxypool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Socks5Validator implements Validator by dialing the probe URL through
// the candidate address as a SOCKS5 proxy, mirroring
// _socks5_check_proxy's reqwest-over-socks5 request to icanhazip.com.
type Socks5Validator struct {
	ProbeURL string // defaults to http://icanhazip.com/
	Timeout  time.Duration
}

func (v Socks5Validator) probeURL() string {
	if v.ProbeURL != "" {
		return v.ProbeURL
	}
	return "http://icanhazip.com/"
}

func (v Socks5Validator) timeout() time.Duration {
	if v.Timeout > 0 {
		return v.Timeout
	}
	return 10 * time.Second
}

// Validate implements Validator.
func (v Socks5Validator) Validate(ctx context.Context, addr string) (string, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return "", fmt.Errorf("socks5 dialer for %s: %w", addr, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return "", fmt.Errorf("socks5 dialer for %s does not support context", addr)
	}

	client := &http.Client{
		Timeout: v.timeout(),
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.probeURL(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe via %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe via %s: status %d", addr, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read probe body via %s: %w", addr, err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("probe via %s: unparseable remote ip %q", addr, ip)
	}
	return ip, nil
}

// TorPageFetcher implements PageFetcher by routing requests through a
// local Tor SOCKS5 endpoint, matching osm_tile_downloader's choice to
// scrape proxy-list sources anonymously.
type TorPageFetcher struct {
	TorSocksAddr string // e.g. "127.0.0.1:9050"
	Timeout      time.Duration
}

func (f TorPageFetcher) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return 30 * time.Second
}

// FetchPage implements PageFetcher.
func (f TorPageFetcher) FetchPage(ctx context.Context, url string) ([]byte, error) {
	dialer, err := proxy.SOCKS5("tcp", f.TorSocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("tor socks5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("tor socks5 dialer does not support context")
	}

	client := &http.Client{
		Timeout: f.timeout(),
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s via tor: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s via tor: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}
