package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable (GRIDAUTH_AUTH_AUDIENCE, ...).
const EnvPrefix = "GRIDAUTH"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Tokens    TokenConfig     `mapstructure:"tokens"`
	Pipeline  PlacementConfig `mapstructure:"pipeline"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener and the upstream being protected.
type ServerConfig struct {
	// Server bind address (host:port)
	Addr string `mapstructure:"addr"`

	// UpstreamURL is the application verified requests are proxied to.
	UpstreamURL string `mapstructure:"upstream_url"`

	// RealIP adds chi's RealIP stage. Only enable it when every peer is a trusted proxy,
	// since it rewrites RemoteAddr from client supplied headers.
	RealIP bool `mapstructure:"real_ip"`

	// CORSOrigins enables the cors stage when non-empty.
	CORSOrigins []string `mapstructure:"cors_origins"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the zap logger. File output is rotated by lumberjack.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TrustConfig decides which peers may hand us a forwarded access token.
//
// An empty Subnets list with ForwardedToken enabled trusts every peer. That is
// intentional and must be chosen deliberately by the operator.
type TrustConfig struct {
	ForwardedToken bool     `mapstructure:"forwarded_token"`
	Subnets        []string `mapstructure:"subnets"`
	CacheSize      int      `mapstructure:"cache_size"`
}

// TokenConfig names the headers involved in credential promotion.
type TokenConfig struct {
	PrimaryHeader   string   `mapstructure:"primary_header"`
	ForwardedHeader string   `mapstructure:"forwarded_header"`
	Priority        []string `mapstructure:"priority"`
}

// PlacementConfig positions a stage in the request pipeline. Before wins over After.
type PlacementConfig struct {
	InsertBefore string `mapstructure:"insert_before"`
	InsertAfter  string `mapstructure:"insert_after"`
}

// GuardConfig controls the forwarded header guard stage.
type GuardConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	PlacementConfig `mapstructure:",squash"`
}

// AuthConfig configures the token verifier that is built on first use.
type AuthConfig struct {
	DiscoveryURL   string        `mapstructure:"discovery_url"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	Leeway         time.Duration `mapstructure:"leeway"`
	LazyJWKS       bool          `mapstructure:"lazy_jwks"`
	SkipPaths      []string      `mapstructure:"skip_paths"`
	SkipExpression string        `mapstructure:"skip_expression"`
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
}

// ReadFile points viper at the config file. An explicit path must exist; otherwise
// gridauth.yaml is looked up in the working directory and /etc/gridauth and may be absent.
func ReadFile(path string) error {
	return readFile(viper.GetViper(), path)
}

func readFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gridauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gridauth")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Load reads configuration from viper (config file, GRIDAUTH_ env vars, defaults).
func Load() (*Config, error) {
	return load(viper.GetViper())
}

// Defaults returns the default configuration overlaid with GRIDAUTH_ environment
// variables, ignoring any config file.
func Defaults() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.upstream_url", "")
	v.SetDefault("server.real_ip", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("trust.forwarded_token", false)
	v.SetDefault("trust.subnets", []string{})
	v.SetDefault("trust.cache_size", 1024)

	v.SetDefault("tokens.primary_header", "Authorization")
	v.SetDefault("tokens.forwarded_header", "X-Forwarded-Access-Token")
	v.SetDefault("tokens.priority", []string{"X-Forwarded-Access-Token", "Authorization"})

	v.SetDefault("pipeline.insert_before", "")
	v.SetDefault("pipeline.insert_after", "")

	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.insert_before", "")
	v.SetDefault("guard.insert_after", "")

	v.SetDefault("auth.discovery_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 60*time.Second)
	v.SetDefault("auth.lazy_jwks", false)
	v.SetDefault("auth.skip_paths", []string{"/healthz", "/readyz"})
	v.SetDefault("auth.skip_expression", "")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.service_name", "gridauth")
}

func (c *Config) normalize() {
	c.Trust.Subnets = compact(c.Trust.Subnets)
	c.Tokens.Priority = compact(c.Tokens.Priority)
	c.Server.CORSOrigins = compact(c.Server.CORSOrigins)
	c.Auth.SkipPaths = compact(c.Auth.SkipPaths)
	c.Tokens.PrimaryHeader = strings.TrimSpace(c.Tokens.PrimaryHeader)
	c.Tokens.ForwardedHeader = strings.TrimSpace(c.Tokens.ForwardedHeader)
	c.Pipeline.InsertBefore = strings.TrimSpace(c.Pipeline.InsertBefore)
	c.Pipeline.InsertAfter = strings.TrimSpace(c.Pipeline.InsertAfter)
	c.Guard.InsertBefore = strings.TrimSpace(c.Guard.InsertBefore)
	c.Guard.InsertAfter = strings.TrimSpace(c.Guard.InsertAfter)
}

// Validate checks fields that must be correct at boot. Auth settings are not checked
// here: they are validated when the verifier is first built.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Tokens.PrimaryHeader == "" {
		return fmt.Errorf("tokens.primary_header is required")
	}
	if c.Tokens.ForwardedHeader == "" {
		return fmt.Errorf("tokens.forwarded_header is required")
	}
	if http.CanonicalHeaderKey(c.Tokens.ForwardedHeader) == http.CanonicalHeaderKey(c.Tokens.PrimaryHeader) {
		return fmt.Errorf("tokens.forwarded_header must differ from tokens.primary_header (%s)", c.Tokens.PrimaryHeader)
	}
	if c.Trust.CacheSize < 0 {
		return fmt.Errorf("trust.cache_size must not be negative")
	}
	if c.Server.UpstreamURL != "" {
		u, err := url.Parse(c.Server.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.upstream_url %q is not an absolute URL", c.Server.UpstreamURL)
		}
	}
	return nil
}

// Watcher re-reads the config file when it changes and hands the new snapshot to
// subscribers. Invalid edits are reported and the previous snapshot is kept.
type Watcher struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
	subs    []func(*Config)
	errs    func(error)
}

// Watch starts watching the config file used by viper. Without a config file there is
// nothing to watch and the initial snapshot is returned unchanged by Current.
func Watch(initial *Config, onError func(error)) *Watcher {
	return watch(viper.GetViper(), initial, onError)
}

func watch(v *viper.Viper, initial *Config, onError func(error)) *Watcher {
	w := &Watcher{v: v, current: initial, errs: onError}
	if v.ConfigFileUsed() == "" {
		return w
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.reload()
	})
	v.WatchConfig()
	return w
}

func (w *Watcher) reload() {
	cfg, err := load(w.v)
	if err != nil {
		if w.errs != nil {
			w.errs(fmt.Errorf("reload %s: %w", w.v.ConfigFileUsed(), err))
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := slices.Clone(w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe registers fn to receive every reloaded snapshot.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
