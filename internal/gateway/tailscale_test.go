// ABOUTME: Tests for tailnet setup helpers
// ABOUTME: Covers state dir and auth key resolution and node address reporting

package gateway

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/ipn/ipnstate"
)

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/tester", ".local", "share", "relay-gateway", "tailscale"), dir)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	_, err := resolveTailscaleAuthKey("")
	assert.ErrorContains(t, err, "auth key required")

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key, "config wins over the environment")
}

func TestNodeAddress(t *testing.T) {
	tests := []struct {
		name    string
		status  *ipnstate.Status
		wantIP  string
		wantDNS string
	}{
		{"nil status", nil, "", ""},
		{"not configured yet", &ipnstate.Status{}, "", ""},
		{
			"ready",
			&ipnstate.Status{
				TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.7"), netip.MustParseAddr("fd7a:115c:a1e0::7")},
				Self:         &ipnstate.PeerStatus{DNSName: "relay.tail1234.ts.net."},
			},
			"100.64.0.7", "relay.tail1234.ts.net.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, dns := nodeAddress(tt.status)
			assert.Equal(t, tt.wantIP, ip)
			assert.Equal(t, tt.wantDNS, dns)
		})
	}
}
