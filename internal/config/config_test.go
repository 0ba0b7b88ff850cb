package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, "pulseaudio", cfg.DaemonBinary)
	require.True(t, cfg.AutospawnEnabled)
}

func TestLoadReadsFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_name":"custom","autospawn":false}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom", cfg.ClientName)
	require.False(t, cfg.AutospawnEnabled)
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_name":"custom"}`), 0o644))

	t.Setenv("PULSE_CLIENTNAME", "from-env")
	t.Setenv("PULSE_SERVER", "unix:/tmp/socket")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.ClientName)
	require.Equal(t, "unix:/tmp/socket", cfg.Server)
}

func TestDaemonArgvCapsAtThirty(t *testing.T) {
	cfg := DefaultConfig()
	args := make([]string, 40)
	for i := range args {
		args[i] = "-x"
	}
	cfg.ExtraArguments = joinSpace(args)

	require.Len(t, cfg.DaemonArgv(), 30)
}

func TestCookieMissingFileIsNotAnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CookiePath = filepath.Join(t.TempDir(), "no-cookie")

	cookie, err := cfg.Cookie()
	require.NoError(t, err)
	require.Nil(t, cookie)
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.conf.json")
	cfg := DefaultConfig()
	cfg.ClientName = "roundtrip"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "roundtrip", loaded.ClientName)
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
