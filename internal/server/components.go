package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/auth"
	"github.com/terraconstructs/gridauth/internal/config"
	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/telemetry"
	"github.com/terraconstructs/gridauth/internal/trust"
)

// AuthComponents are the request-boundary pieces built from one configuration.
type AuthComponents struct {
	Evaluator *trust.Evaluator
	Promoter  *auth.TokenPromoter
	// Guard is nil when guard.enabled is false.
	Guard    *auth.HeaderGuard
	Delegate *auth.LazyDelegate
}

// NewAuthComponents wires trust evaluation, promotion, the header guard and the lazy
// verifier from cfg. settings is read on every verifier build attempt; pass a function
// backed by a config.Watcher to pick up corrected auth settings without a restart.
func NewAuthComponents(cfg *config.Config, settings func() auth.VerifierSettings, build auth.Builder, logger *zap.Logger, metrics *telemetry.AuthMetrics) (*AuthComponents, error) {
	logger = logging.OrNop(logger)

	subnets, err := trust.ParseSubnets(cfg.Trust.Subnets)
	if err != nil {
		return nil, fmt.Errorf("trust.subnets: %w", err)
	}
	policy := trust.Policy{TrustForwarded: cfg.Trust.ForwardedToken, Subnets: subnets}
	evaluator, err := trust.NewEvaluator(policy, cfg.Trust.CacheSize)
	if err != nil {
		return nil, err
	}
	if policy.Permissive() {
		logger.Warn("forwarded access tokens are trusted from every peer; set trust.subnets to restrict them",
			zap.String("header", cfg.Tokens.ForwardedHeader))
	}

	promoter := auth.NewTokenPromoter(auth.PromoterConfig{
		PrimaryHeader:   cfg.Tokens.PrimaryHeader,
		ForwardedHeader: cfg.Tokens.ForwardedHeader,
		Priority:        cfg.Tokens.Priority,
	}, evaluator,
		auth.WithPromoterLogger(logger.Named("promoter")),
		auth.WithPromoterMetrics(metrics))

	var guard *auth.HeaderGuard
	if cfg.Guard.Enabled {
		guard = auth.NewHeaderGuard(promoter,
			auth.WithGuardLogger(logger.Named("guard")),
			auth.WithGuardMetrics(metrics))
	}

	skipper, err := auth.NewSkipper(cfg.Auth.SkipPaths, cfg.Auth.SkipExpression)
	if err != nil {
		return nil, err
	}
	delegate := auth.NewLazyDelegate(settings, build,
		auth.WithLazySkipper(skipper),
		auth.WithLazyLogger(logger.Named("verifier")),
		auth.WithLazyMetrics(metrics))

	return &AuthComponents{
		Evaluator: evaluator,
		Promoter:  promoter,
		Guard:     guard,
		Delegate:  delegate,
	}, nil
}

// AuthenticateStage runs promotion and then the lazily built verifier.
func (c *AuthComponents) AuthenticateStage() auth.Middleware {
	promote := c.Promoter.Middleware()
	return func(next http.Handler) http.Handler {
		return promote(c.Delegate.Wrap(next))
	}
}
