package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func emptyConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(newFlags(t, "--config", emptyConfig(t)))
	require.NoError(t, err)
	require.Equal(t, TransportStomp, s.Transport)
	require.Equal(t, 5*time.Second, s.ReconnectDelay)
	require.Equal(t, 10*time.Second, s.HandshakeTimeout)
	require.Equal(t, "info", s.LogLevel)
	require.False(t, s.Redis.Enabled)
	require.Equal(t, "localhost:6379", s.Redis.Addr)
}

func TestLoad_Precedence(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
api-base-url: https://file.example/api
transport: redis
reconnect-delay: 2s
redis:
  addr: redis.internal:6379
  group: g1
`), 0o600))

	t.Setenv("CHATSESSION_API_BASE_URL", "https://env.example/api")
	t.Setenv("CHATSESSION_HANDSHAKE_TIMEOUT", "3s")

	s, err := Load(newFlags(t, "--config", p, "--handshake-timeout", "7s", "--redis-addr", "flag:6379"))
	require.NoError(t, err)
	require.Equal(t, "https://env.example/api", s.APIBaseURL)
	require.Equal(t, TransportRedis, s.Transport)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "flag:6379", s.Redis.Addr)
	require.Equal(t, "g1", s.Redis.Group)
	require.Equal(t, 2*time.Second, s.ReconnectDelay)
	require.Equal(t, 7*time.Second, s.HandshakeTimeout)
}

func TestLoad_UnsetFlagsDoNotOverride(t *testing.T) {
	t.Setenv("CHATSESSION_WS_URL", "wss://env.example/ws")
	s, err := Load(newFlags(t, "--config", emptyConfig(t)))
	require.NoError(t, err)
	require.Equal(t, "wss://env.example/ws", s.WSURL)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(newFlags(t, "--config", emptyConfig(t), "--transport", "carrier-pigeon"))
	require.Error(t, err)

	_, err = Load(newFlags(t, "--config", emptyConfig(t), "--log-level", "loud"))
	require.Error(t, err)

	_, err = Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
}
