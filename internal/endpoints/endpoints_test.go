package endpoints

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/config"
)

func TestBuildDefaultCascadeOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	candidates := Build("", cfg)

	require.NotEmpty(t, candidates)
	require.Equal(t, KindUnix, candidates[0].Kind)
	var sawTCP4, sawTCP6 bool
	for _, c := range candidates {
		if c.Kind == KindTCP4 && c.Host == "127.0.0.1" {
			sawTCP4 = true
		}
		if c.Kind == KindTCP6 && c.Host == "::1" {
			sawTCP6 = true
		}
	}
	require.True(t, sawTCP4)
	require.True(t, sawTCP6)
}

func TestBuildExplicitOverridesDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	candidates := Build("unix:/custom/socket tcp4:10.0.0.1:1234", cfg)

	require.Len(t, candidates, 2)
	require.Equal(t, "/custom/socket", candidates[0].Path)
	require.Equal(t, "10.0.0.1", candidates[1].Host)
	require.Equal(t, 1234, candidates[1].Port)
}

func TestParseEntryStripsCookiePrefix(t *testing.T) {
	c, ok := parseEntry("{deadbeef}unix:/run/pulse/native")
	require.True(t, ok)
	require.Equal(t, "deadbeef", c.Cookie)
	require.Equal(t, "/run/pulse/native", c.Path)
}

func TestParseEntryTCP6BracketedHost(t *testing.T) {
	c, ok := parseEntry("tcp6:[::1]:4713")
	require.True(t, ok)
	require.Equal(t, KindTCP6, c.Kind)
	require.Equal(t, "::1", c.Host)
	require.Equal(t, 4713, c.Port)
}

func TestPrependAfterSpawnPutsUserSocketFirst(t *testing.T) {
	cfg := config.DefaultConfig()
	base := Build("", cfg)
	reordered := PrependAfterSpawn(base, cfg)

	require.Equal(t, KindUnix, reordered[0].Kind)
	require.Greater(t, len(reordered), len(base))
}

func TestAutoConnectDisplayAddsHostCandidate(t *testing.T) {
	t.Setenv("DISPLAY", "remotehost:10.0")
	cfg := config.DefaultConfig()
	cfg.AutoConnectDisplay = true

	candidates := Build("", cfg)
	var found bool
	for _, c := range candidates {
		if c.Kind == KindTCP4 && c.Host == "remotehost" {
			found = true
		}
	}
	require.True(t, found)
}
