package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// ProviderMetadata is the subset of the discovery document operators care about when
// checking a deployment.
type ProviderMetadata struct {
	Issuer           string   `json:"issuer"`
	JWKSURI          string   `json:"jwks_uri"`
	TokenEndpoint    string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint string   `json:"userinfo_endpoint,omitempty"`
	SigningAlgs      []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// Discover fetches the provider's discovery document from the configured discovery URL
// and checks that it advertises the expected issuer.
func Discover(ctx context.Context, settings VerifierSettings, httpClient *http.Client) (*ProviderMetadata, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	doc, err := client.Discover(ctx, settings.ResolvedIssuer(), httpClient, settings.DiscoveryURL)
	if err != nil {
		return nil, fmt.Errorf("discover provider at %s: %w", settings.DiscoveryURL, err)
	}
	return metadataFrom(doc), nil
}

func metadataFrom(doc *oidc.DiscoveryConfiguration) *ProviderMetadata {
	return &ProviderMetadata{
		Issuer:           doc.Issuer,
		JWKSURI:          doc.JwksURI,
		TokenEndpoint:    doc.TokenEndpoint,
		UserinfoEndpoint: doc.UserinfoEndpoint,
		SigningAlgs:      doc.IDTokenSigningAlgValuesSupported,
	}
}
