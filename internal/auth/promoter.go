package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/telemetry"
	"github.com/terraconstructs/gridauth/internal/trust"
)

// Promotion sources reported to metrics and debug logs.
const (
	SourceForwarded = "forwarded"
	SourceFallback  = "fallback"
)

// PromoterConfig names the headers the promoter works with.
type PromoterConfig struct {
	// PrimaryHeader is the header the verifier reads. Default "Authorization".
	PrimaryHeader string
	// ForwardedHeader carries a credential set by a trusted proxy.
	// Default "X-Forwarded-Access-Token".
	ForwardedHeader string
	// Priority lists candidate source headers, first non-empty wins. The primary header
	// is ignored if listed.
	Priority []string
}

// TokenPromoter fills the primary authorization header from a forwarded credential
// header (trusted peers only) or from the first populated priority header.
//
// A primary header that is already set on entry is never modified.
type TokenPromoter struct {
	primary   string
	forwarded string
	priority  []string
	evaluator *trust.Evaluator
	logger    *zap.Logger
	metrics   *telemetry.AuthMetrics
}

// PromoterOption configures a TokenPromoter.
type PromoterOption func(*TokenPromoter)

// WithPromoterLogger sets the logger.
func WithPromoterLogger(logger *zap.Logger) PromoterOption {
	return func(p *TokenPromoter) { p.logger = logging.OrNop(logger) }
}

// WithPromoterMetrics records promotions.
func WithPromoterMetrics(metrics *telemetry.AuthMetrics) PromoterOption {
	return func(p *TokenPromoter) { p.metrics = metrics }
}

// NewTokenPromoter returns a promoter using evaluator for trust decisions.
func NewTokenPromoter(cfg PromoterConfig, evaluator *trust.Evaluator, opts ...PromoterOption) *TokenPromoter {
	primary := http.CanonicalHeaderKey(strings.TrimSpace(cfg.PrimaryHeader))
	if primary == "" {
		primary = "Authorization"
	}
	forwarded := http.CanonicalHeaderKey(strings.TrimSpace(cfg.ForwardedHeader))
	if forwarded == "" {
		forwarded = "X-Forwarded-Access-Token"
	}

	priority := make([]string, 0, len(cfg.Priority))
	seen := map[string]struct{}{primary: {}}
	for _, name := range cfg.Priority {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		priority = append(priority, name)
	}

	p := &TokenPromoter{
		primary:   primary,
		forwarded: forwarded,
		priority:  priority,
		evaluator: evaluator,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PrimaryHeader returns the canonical primary header name.
func (p *TokenPromoter) PrimaryHeader() string { return p.primary }

// ForwardedHeader returns the canonical forwarded credential header name.
func (p *TokenPromoter) ForwardedHeader() string { return p.forwarded }

// ForwardedTrusted reports whether the forwarded header may be honoured for peer.
func (p *TokenPromoter) ForwardedTrusted(peer trust.Peer) bool {
	if p.evaluator == nil || !p.evaluator.Policy().TrustForwarded {
		return false
	}
	return p.evaluator.IsTrustedPeer(peer)
}

// Process rewrites h in place. It never fails.
func (p *TokenPromoter) Process(h http.Header, peer trust.Peer) {
	p.promote(h, peer)
}

// promote returns the source that populated the primary header, or "".
func (p *TokenPromoter) promote(h http.Header, peer trust.Peer) string {
	if h == nil || h.Get(p.primary) != "" {
		return ""
	}

	eligible := p.ForwardedTrusted(peer)
	if eligible {
		if forwarded := strings.TrimSpace(h.Get(p.forwarded)); forwarded != "" {
			h.Set(p.primary, NormalizeBearer(forwarded))
			return SourceForwarded
		}
	}

	for _, name := range p.priority {
		if name == p.forwarded && !eligible {
			continue
		}
		value := strings.TrimSpace(h.Get(name))
		if value == "" {
			continue
		}
		// Set only if still absent so a forwarded promotion is never replaced.
		if h.Get(p.primary) == "" {
			h.Set(p.primary, NormalizeBearer(value))
			return SourceFallback
		}
		return ""
	}
	return ""
}

// Middleware runs the promoter on every request.
func (p *TokenPromoter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if source := p.promote(r.Header, trust.PeerFromRequest(r)); source != "" {
				p.metrics.RecordPromotion(r.Context(), source)
				p.logger.Debug("authorization header promoted",
					zap.String("source", source),
					zap.String("path", r.URL.Path))
			}
			next.ServeHTTP(w, r)
		})
	}
}
