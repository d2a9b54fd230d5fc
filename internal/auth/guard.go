package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/telemetry"
	"github.com/terraconstructs/gridauth/internal/trust"
)

// HeaderGuard protects the forwarded credential header.
//
//   - From a peer that may not forward credentials, the header is removed so neither the
//     promoter nor the upstream application ever sees a spoofed value.
//   - From a trusted peer, a request carrying both a forwarded and a primary credential
//     that disagree is rejected with 401.
type HeaderGuard struct {
	promoter *TokenPromoter
	logger   *zap.Logger
	metrics  *telemetry.AuthMetrics
}

// GuardOption configures a HeaderGuard.
type GuardOption func(*HeaderGuard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *zap.Logger) GuardOption {
	return func(g *HeaderGuard) { g.logger = logging.OrNop(logger) }
}

// WithGuardMetrics records rejections.
func WithGuardMetrics(metrics *telemetry.AuthMetrics) GuardOption {
	return func(g *HeaderGuard) { g.metrics = metrics }
}

// NewHeaderGuard shares header names and trust decisions with promoter.
func NewHeaderGuard(promoter *TokenPromoter, opts ...GuardOption) *HeaderGuard {
	g := &HeaderGuard{promoter: promoter, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware returns the guard as a pipeline stage.
func (g *HeaderGuard) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			forwardedName := g.promoter.ForwardedHeader()
			forwarded := strings.TrimSpace(r.Header.Get(forwardedName))
			if forwarded == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !g.promoter.ForwardedTrusted(trust.PeerFromRequest(r)) {
				r.Header.Del(forwardedName)
				g.logger.Debug("dropped forwarded credential from untrusted peer",
					zap.String("header", forwardedName),
					zap.String("remote_addr", r.RemoteAddr))
				next.ServeHTTP(w, r)
				return
			}

			primary := strings.TrimSpace(r.Header.Get(g.promoter.PrimaryHeader()))
			if primary != "" && NormalizeBearer(primary) != NormalizeBearer(forwarded) {
				g.metrics.RecordGuardRejection(r.Context(), "mismatch")
				g.logger.Warn("rejected request with conflicting credentials",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
				http.Error(w, "conflicting credentials", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
