package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terraconstructs/gridauth/internal/config"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// ErrMissingConfiguration is matched by every *ConfigError.
var ErrMissingConfiguration = errors.New("missing required configuration")

// ConfigError reports required verifier settings that are absent or blank.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("auth: %s: %s", ErrMissingConfiguration, strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrMissingConfiguration
}

// VerifierSettings is the snapshot the token verifier is built from.
type VerifierSettings struct {
	DiscoveryURL string
	Issuer       string
	Audience     string
	Leeway       time.Duration
	LazyJWKS     bool
	// TokenHeader is the header the verifier reads the bearer token from.
	TokenHeader string
}

// SettingsFromConfig extracts verifier settings from the application config.
func SettingsFromConfig(cfg *config.Config) VerifierSettings {
	if cfg == nil {
		return VerifierSettings{}
	}
	return VerifierSettings{
		DiscoveryURL: cfg.Auth.DiscoveryURL,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		Leeway:       cfg.Auth.Leeway,
		LazyJWKS:     cfg.Auth.LazyJWKS,
		TokenHeader:  cfg.Tokens.PrimaryHeader,
	}
}

// Validate returns a *ConfigError naming every required key that is blank.
func (s VerifierSettings) Validate() error {
	var missing []string
	if strings.TrimSpace(s.DiscoveryURL) == "" {
		missing = append(missing, "auth.discovery_url")
	}
	if strings.TrimSpace(s.Audience) == "" {
		missing = append(missing, "auth.audience")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// ResolvedIssuer returns the configured issuer, or derives it from a standard
// discovery URL when no issuer was set.
func (s VerifierSettings) ResolvedIssuer() string {
	if issuer := strings.TrimSpace(s.Issuer); issuer != "" {
		return issuer
	}
	return strings.TrimSuffix(strings.TrimSpace(s.DiscoveryURL), wellKnownSuffix)
}
