package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Link.Transport)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.ResultTimeout)
	assert.Equal(t, 2*time.Second, cfg.Providers.Timeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Motion.Interval)
	assert.Equal(t, SourceSimulated, cfg.HeartRate.Source)
	assert.True(t, cfg.Link.Replies)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ui = true

[link]
peer = "http://watch.local:7421"
reply_timeout = "3s"

[heart_rate]
source = "ble"
scan_window = "8s"

[providers]
timeout = "1500ms"
`), 0o644))

	t.Setenv("WRISTLINK_LINK_LISTEN", ":9000")
	t.Setenv("WRISTLINK_PROVIDERS_TIMEOUT", "750ms")

	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("peer", "", "")
	require.NoError(t, flags.Parse([]string{"--peer", "http://10.0.0.2:7421"}))
	require.NoError(t, v.BindPFlag("link.peer", flags.Lookup("peer")))

	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.True(t, cfg.UI)
	assert.Equal(t, "http://10.0.0.2:7421", cfg.Link.Peer, "flags win over the file")
	assert.Equal(t, ":9000", cfg.Link.Listen, "env fills keys the file leaves out")
	assert.Equal(t, 750*time.Millisecond, cfg.Providers.Timeout, "env wins over the file")
	assert.Equal(t, 3*time.Second, cfg.Link.ReplyTimeout)
	assert.Equal(t, SourceBLE, cfg.HeartRate.Source)
	assert.Equal(t, 8*time.Second, cfg.HeartRate.ScanWindow)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[link]\ntransport = \"carrier-pigeon\"\n"), 0o644))

	_, err := Load(viper.New(), path)
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, os.WriteFile(path, []byte("[providers]\ntimeout = \"0s\"\n"), 0o644))
	_, err = Load(viper.New(), path)
	assert.ErrorIs(t, err, ErrInvalid)
}
