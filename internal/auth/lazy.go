package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/telemetry"
)

// Builder constructs the token verifier middleware from a settings snapshot.
type Builder func(ctx context.Context, settings VerifierSettings) (Middleware, error)

// OIDCBuilder returns a Builder backed by NewVerifier.
func OIDCBuilder(opts ...VerifierOption) Builder {
	return func(_ context.Context, settings VerifierSettings) (Middleware, error) {
		return NewVerifier(settings, opts...)
	}
}

// delegate is an immutable, fully built verifier.
type delegate struct {
	mw         Middleware
	generation string
}

// LazyDelegate defers verifier construction to the first request that needs it.
//
// Construction runs at most once per generation regardless of concurrency: callers
// race on an atomic load, and only those that observe no delegate take the lock and
// re-check before building. Failed builds are not remembered, so a later request
// retries with whatever settings are current at that time.
type LazyDelegate struct {
	settings  func() VerifierSettings
	build     Builder
	skipper   Skipper
	responder ErrorResponder
	logger    *zap.Logger
	metrics   *telemetry.AuthMetrics

	mu    sync.Mutex
	ready atomic.Pointer[delegate]
}

// LazyOption configures a LazyDelegate.
type LazyOption func(*LazyDelegate)

// WithLazySkipper lets matching requests through without building or verifying.
func WithLazySkipper(skipper Skipper) LazyOption {
	return func(l *LazyDelegate) { l.skipper = skipper }
}

// WithLazyErrorResponder overrides how build failures are reported to the client.
func WithLazyErrorResponder(responder ErrorResponder) LazyOption {
	return func(l *LazyDelegate) {
		if responder != nil {
			l.responder = responder
		}
	}
}

// WithLazyLogger sets the logger.
func WithLazyLogger(logger *zap.Logger) LazyOption {
	return func(l *LazyDelegate) { l.logger = logging.OrNop(logger) }
}

// WithLazyMetrics records build attempts.
func WithLazyMetrics(metrics *telemetry.AuthMetrics) LazyOption {
	return func(l *LazyDelegate) { l.metrics = metrics }
}

// NewLazyDelegate returns an uninitialised delegate. settings is consulted on every
// build attempt so corrected configuration is picked up without a restart.
func NewLazyDelegate(settings func() VerifierSettings, build Builder, opts ...LazyOption) *LazyDelegate {
	l := &LazyDelegate{
		settings:  settings,
		build:     build,
		responder: defaultBuildErrorResponder,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ready reports whether the verifier has been built.
func (l *LazyDelegate) Ready() bool {
	return l.ready.Load() != nil
}

// Generation returns the id of the current delegate, or "" when not built.
func (l *LazyDelegate) Generation() string {
	if d := l.ready.Load(); d != nil {
		return d.generation
	}
	return ""
}

// Ensure builds the verifier if needed and returns it. It is safe for concurrent use
// and is also what readiness checks call to force construction ahead of traffic.
func (l *LazyDelegate) Ensure(ctx context.Context) (Middleware, error) {
	d, err := l.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return d.mw, nil
}

func (l *LazyDelegate) ensure(ctx context.Context) (*delegate, error) {
	if d := l.ready.Load(); d != nil {
		return d, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if d := l.ready.Load(); d != nil {
		return d, nil
	}

	var settings VerifierSettings
	if l.settings != nil {
		settings = l.settings()
	}
	if err := settings.Validate(); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			l.logger.Warn("token verifier not built: required configuration missing",
				zap.Strings("missing", cfgErr.Missing))
		}
		l.metrics.RecordDelegateBuild(ctx, "config_error")
		return nil, err
	}

	generation := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "auth.BuildVerifier",
		attribute.String(telemetry.AttrDelegateGeneration, generation))
	defer span.End()

	mw, err := l.build(ctx, settings)
	if err == nil && mw == nil {
		err = errors.New("builder returned no middleware")
	}
	if err != nil {
		telemetry.RecordError(span, err)
		l.logger.Error("token verifier build failed", zap.Error(err))
		l.metrics.RecordDelegateBuild(ctx, "error")
		return nil, fmt.Errorf("build token verifier: %w", err)
	}

	d := &delegate{mw: mw, generation: generation}
	l.ready.Store(d)
	l.metrics.RecordDelegateBuild(ctx, "ready")
	l.logger.Info("token verifier ready",
		zap.String("generation", generation),
		zap.String("issuer", settings.ResolvedIssuer()),
		zap.String("audience", settings.Audience))
	return d, nil
}

// Reset drops the built verifier so the next request rebuilds from current settings.
func (l *LazyDelegate) Reset() {
	l.mu.Lock()
	l.ready.Store(nil)
	l.mu.Unlock()
}

// Wrap returns a handler that runs next behind the lazily built verifier.
func (l *LazyDelegate) Wrap(next http.Handler) http.Handler {
	if next == nil {
		panic("auth: nil next handler")
	}

	type built struct {
		d *delegate
		h http.Handler
	}
	var current atomic.Pointer[built]

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skipper != nil && l.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		d, err := l.ensure(r.Context())
		if err != nil {
			l.responder(w, r, err)
			return
		}

		// Wrapping is pure, so two requests racing here at most wrap twice.
		b := current.Load()
		if b == nil || b.d != d {
			b = &built{d: d, h: d.mw(next)}
			current.Store(b)
		}
		b.h.ServeHTTP(w, r)
	})
}

// Middleware adapts Wrap to the Middleware signature.
func (l *LazyDelegate) Middleware() Middleware {
	return l.Wrap
}

func defaultBuildErrorResponder(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrMissingConfiguration) {
		http.Error(w, "authentication unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
}
