package proxypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProxyListExtractsCleanPairs(t *testing.T) {
	body := []byte(`<tr><td>192.168.1.1</td><td>8080</td></tr>
<tr><td>10.0.0.5</td><td>1080</td></tr>`)
	got := ParseProxyList(body)
	assert.Equal(t, []string{"192.168.1.1:8080", "10.0.0.5:1080"}, got)
}

func TestParseProxyListRejectsOutOfRangeOctet(t *testing.T) {
	body := []byte(`999.999.999.999 8080, 10.0.0.5 1080`)
	got := ParseProxyList(body)
	assert.Equal(t, []string{"10.0.0.5:1080"}, got)
}

func TestParseProxyListRejectsOutOfRangePort(t *testing.T) {
	body := []byte(`192.168.1.1 99999, 10.0.0.5 1080`)
	got := ParseProxyList(body)
	assert.Equal(t, []string{"10.0.0.5:1080"}, got)
}

func TestParseProxyListDedupes(t *testing.T) {
	body := []byte(`192.168.1.1 8080 ... 192.168.1.1:8080`)
	got := ParseProxyList(body)
	assert.Equal(t, []string{"192.168.1.1:8080"}, got)
}
