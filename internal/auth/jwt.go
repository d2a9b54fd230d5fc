package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"
)

type claimsContextKey struct{}

var defaultClaimsContextKey = claimsContextKey{}

type tokenStringContextKey struct{}

var defaultTokenStringContextKey = tokenStringContextKey{}

// Skipper defines a function to skip authentication for matching requests.
type Skipper func(*http.Request) bool

// ErrorResponder writes authentication failures to the response writer.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

// Middleware is a standard net/http middleware.
type Middleware = func(http.Handler) http.Handler

type verifierOptions struct {
	skipper        Skipper
	errorResponder ErrorResponder
	oidcOptions    []options.Option
}

// VerifierOption customises the behaviour of the OIDC verifier middleware.
type VerifierOption func(*verifierOptions)

// WithSkipper overrides the default skipper used by the verifier.
func WithSkipper(skipper Skipper) VerifierOption {
	return func(o *verifierOptions) {
		if skipper != nil {
			o.skipper = skipper
		}
	}
}

// WithErrorResponder overrides the default error responder used by the verifier.
func WithErrorResponder(responder ErrorResponder) VerifierOption {
	return func(o *verifierOptions) {
		if responder != nil {
			o.errorResponder = responder
		}
	}
}

// WithOIDCOptions appends raw go-oidc-middleware options, e.g. a custom HTTP client.
func WithOIDCOptions(opts ...options.Option) VerifierOption {
	return func(o *verifierOptions) {
		o.oidcOptions = append(o.oidcOptions, opts...)
	}
}

// NewVerifier constructs a chi-compatible middleware that validates JWTs using
// go-oidc-middleware. Unless LazyJWKS is set, construction fetches the discovery
// document and JWKS, so it blocks on the network.
func NewVerifier(settings VerifierSettings, opts ...VerifierOption) (Middleware, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	oidcOpts := []options.Option{
		options.WithIssuer(settings.ResolvedIssuer()),
		options.WithDiscoveryUri(settings.DiscoveryURL),
		options.WithRequiredAudience(settings.Audience),
	}
	if settings.Leeway > 0 {
		oidcOpts = append(oidcOpts, options.WithAllowedTokenDrift(settings.Leeway))
	}
	if settings.LazyJWKS {
		oidcOpts = append(oidcOpts, options.WithLazyLoadJwks(true))
	}

	vOpts := verifierOptions{
		skipper:        defaultSkipper,
		errorResponder: defaultErrorResponder,
	}
	for _, opt := range opts {
		opt(&vOpts)
	}
	oidcOpts = append(oidcOpts, vOpts.oidcOptions...)

	tokenHandler, err := oidctoken.New[map[string]any](nil, oidcOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise oidc token handler: %w", err)
	}

	header := settings.TokenHeader
	if header == "" {
		header = "Authorization"
	}
	tokenStrings := [][]options.TokenStringOption{{
		options.WithTokenStringHeaderName(header),
		options.WithTokenStringTokenPrefix(bearerPrefix),
	}}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if vOpts.skipper != nil && vOpts.skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := oidctoken.GetTokenString(r.Header.Get, tokenStrings)
			if err != nil || token == "" {
				vOpts.errorResponder(w, r, fmt.Errorf("unable to extract bearer token: %w", err))
				return
			}

			trimmedToken := strings.TrimSpace(token)

			claims, err := tokenHandler.ParseToken(r.Context(), trimmedToken)
			if err != nil {
				vOpts.errorResponder(w, r, fmt.Errorf("invalid token: %w", err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims, trimmedToken)))
		})
	}, nil
}

// WithClaims stores verified claims and the raw token on ctx.
func WithClaims(ctx context.Context, claims map[string]any, token string) context.Context {
	ctx = context.WithValue(ctx, defaultClaimsContextKey, claims)
	return context.WithValue(ctx, defaultTokenStringContextKey, token)
}

// ClaimsFromContext returns the JWT claims stored on the request context.
func ClaimsFromContext(ctx context.Context) (map[string]any, bool) {
	claims, ok := ctx.Value(defaultClaimsContextKey).(map[string]any)
	return claims, ok
}

// TokenStringFromContext returns the raw bearer token extracted during verification.
func TokenStringFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(defaultTokenStringContextKey).(string)
	return token, ok
}

// SubjectFromContext returns the "sub" claim of the verified token.
func SubjectFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	return sub, ok && sub != ""
}

func defaultSkipper(*http.Request) bool {
	return false
}

func defaultErrorResponder(w http.ResponseWriter, _ *http.Request, _ error) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, "unauthenticated", http.StatusUnauthorized)
}
