package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.Addr)
	assert.Equal(t, "Authorization", cfg.Tokens.PrimaryHeader)
	assert.Equal(t, "X-Forwarded-Access-Token", cfg.Tokens.ForwardedHeader)
	assert.Equal(t, []string{"X-Forwarded-Access-Token", "Authorization"}, cfg.Tokens.Priority)
	assert.False(t, cfg.Trust.ForwardedToken)
	assert.Empty(t, cfg.Trust.Subnets)
	assert.True(t, cfg.Guard.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, []string{"/healthz", "/readyz"}, cfg.Auth.SkipPaths)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

// TestLoad_WithEnvironmentVariables tests that GRIDAUTH_ prefixed environment variables work
func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("GRIDAUTH_TRUST_FORWARDED_TOKEN", "true")
	t.Setenv("GRIDAUTH_TRUST_SUBNETS", "10.0.0.0/8, 192.168.0.0/16")
	t.Setenv("GRIDAUTH_AUTH_DISCOVERY_URL", "https://idp.example.com/.well-known/openid-configuration")
	t.Setenv("GRIDAUTH_AUTH_AUDIENCE", "grid-api")
	t.Setenv("GRIDAUTH_AUTH_LEEWAY", "5s")
	t.Setenv("GRIDAUTH_PIPELINE_INSERT_AFTER", "recoverer")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.True(t, cfg.Trust.ForwardedToken)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Trust.Subnets)
	assert.Equal(t, "https://idp.example.com/.well-known/openid-configuration", cfg.Auth.DiscoveryURL)
	assert.Equal(t, "grid-api", cfg.Auth.Audience)
	assert.Equal(t, 5*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, "recoverer", cfg.Pipeline.InsertAfter)
}

// TestLoad_WithConfigFile tests config file loading
func TestLoad_WithConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "gridauth.yaml")
	configContent := `
server:
  addr: "127.0.0.1:9999"
  upstream_url: "http://app.internal:3000"
trust:
  forwarded_token: true
  subnets:
    - "10.0.0.0/8"
tokens:
  priority:
    - "X-Access-Token"
    - "  "
guard:
  enabled: false
  insert_after: "logger"
auth:
  audience: "file-client"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	cfg, err := load(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "http://app.internal:3000", cfg.Server.UpstreamURL)
	assert.True(t, cfg.Trust.ForwardedToken)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Trust.Subnets)
	assert.Equal(t, []string{"X-Access-Token"}, cfg.Tokens.Priority)
	assert.False(t, cfg.Guard.Enabled)
	assert.Equal(t, "logger", cfg.Guard.InsertAfter)
	assert.Equal(t, "file-client", cfg.Auth.Audience)
}

// TestLoad_EnvironmentVariablePrecedence tests that env vars have precedence over config file
func TestLoad_EnvironmentVariablePrecedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "gridauth.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  audience: from-file\n"), 0o644))
	t.Setenv("GRIDAUTH_AUTH_AUDIENCE", "from-env")

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	cfg, err := load(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Audience)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "relative upstream", key: "GRIDAUTH_SERVER_UPSTREAM_URL", value: "/app", wantErr: "server.upstream_url"},
		{name: "negative cache", key: "GRIDAUTH_TRUST_CACHE_SIZE", value: "-1", wantErr: "trust.cache_size"},
		{name: "forwarded header equals primary", key: "GRIDAUTH_TOKENS_FORWARDED_HEADER", value: "authorization", wantErr: "tokens.forwarded_header must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := load(viper.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_WithoutConfigFileKeepsInitial(t *testing.T) {
	initial := &Config{Server: ServerConfig{Addr: "x"}}
	w := watch(viper.New(), initial, nil)
	assert.Same(t, initial, w.Current())
}

func TestWatcher_ReloadNotifiesSubscribers(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "gridauth.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  audience: first\n"), 0o644))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	initial, err := load(v)
	require.NoError(t, err)

	w := &Watcher{v: v, current: initial}
	var got *Config
	w.Subscribe(func(c *Config) { got = c })

	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  audience: second\n"), 0o644))
	require.NoError(t, v.ReadInConfig())
	w.reload()

	require.NotNil(t, got)
	assert.Equal(t, "second", got.Auth.Audience)
	assert.Equal(t, "second", w.Current().Auth.Audience)
}

func TestReadFile(t *testing.T) {
	t.Run("missing default file is fine", func(t *testing.T) {
		t.Chdir(t.TempDir())
		v := viper.New()
		require.NoError(t, readFile(v, ""))
		assert.Empty(t, v.ConfigFileUsed())
	})

	t.Run("explicit path must exist", func(t *testing.T) {
		err := readFile(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config file")
	})

	t.Run("default name in working directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "gridauth.yaml"), []byte("auth:\n  audience: cwd\n"), 0o644))
		t.Chdir(dir)

		v := viper.New()
		require.NoError(t, readFile(v, ""))
		cfg, err := load(v)
		require.NoError(t, err)
		assert.Equal(t, "cwd", cfg.Auth.Audience)
	})
}
