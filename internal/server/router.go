package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/terraconstructs/gridauth/internal/config"
	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/middleware"
	"github.com/terraconstructs/gridauth/internal/telemetry"
)

// RouterOptions controls the construction of the gridauth HTTP router.
type RouterOptions struct {
	Cfg     *config.Config
	Auth    *AuthComponents
	Logger  *zap.Logger
	Metrics *telemetry.AuthMetrics
	// AccessLog adds the request logger stage.
	AccessLog bool
	// Upstream receives every request no local route matches. Nil answers 404.
	Upstream      http.Handler
	HealthHandler http.HandlerFunc
	ExtraRoutes   func(chi.Router)
}

// Router is the assembled router together with how its pipeline was built.
type Router struct {
	chi.Router
	Pipeline     *middleware.Pipeline
	Installation middleware.Installation
}

// AssemblePipeline builds the baseline pipeline and installs the authenticate stage,
// plus the header guard when enabled, according to the pipeline and guard placement
// settings. A configured insert_before that does not exist is an error; every other
// placement problem degrades with a warning.
func AssemblePipeline(opts RouterOptions) (*middleware.Pipeline, middleware.Installation, error) {
	logger := logging.OrNop(opts.Logger)
	cfg := opts.Cfg

	baseline := middleware.BaselineOptions{
		Tracing:     cfg.Telemetry.OTLPEndpoint != "",
		RealIP:      cfg.Server.RealIP,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if opts.AccessLog {
		baseline.Logger = logger
	}
	p, err := middleware.NewPipeline(middleware.BaselineStages(baseline)...)
	if err != nil {
		return nil, middleware.Installation{}, err
	}

	assembler := middleware.NewAssembler(
		middleware.WithLogger(logger.Named("pipeline")),
		middleware.WithMetrics(opts.Metrics))

	primary := middleware.Stage{Name: middleware.StageAuthenticate, Middleware: opts.Auth.AuthenticateStage()}
	plan := middleware.InsertionPlan{
		Before:   cfg.Pipeline.InsertBefore,
		After:    cfg.Pipeline.InsertAfter,
		Defaults: middleware.DefaultCandidates,
	}
	var guard *middleware.Stage
	if opts.Auth.Guard != nil {
		guard = &middleware.Stage{Name: middleware.StageHeaderGuard, Middleware: opts.Auth.Guard.Middleware()}
	}
	guardPlan := middleware.InsertionPlan{
		Before: cfg.Guard.InsertBefore,
		After:  cfg.Guard.InsertAfter,
	}

	inst, err := assembler.Install(p, primary, plan, guard, guardPlan)
	if err != nil {
		return nil, inst, err
	}
	fields := []zap.Field{
		zap.Strings("stages", p.Names()),
		zap.Stringer("authenticate", inst.Primary),
	}
	if inst.Guard != nil {
		fields = append(fields, zap.Stringer("guard", *inst.Guard))
	}
	logger.Info("request pipeline assembled", fields...)
	return p, inst, nil
}

// NewRouter assembles a chi.Router with the request pipeline and the gridauth routes.
func NewRouter(opts RouterOptions) (*Router, error) {
	p, inst, err := AssemblePipeline(opts)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	p.Use(r)

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/healthz", healthHandler)
	r.Get("/readyz", HandleReady(opts.Auth.Delegate))
	r.Get("/auth/whoami", HandleWhoAmI())

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}
	if opts.Upstream != nil {
		r.Handle("/*", opts.Upstream)
	}

	return &Router{Router: r, Pipeline: p, Installation: inst}, nil
}

// NewH2CHandler wraps h with an h2c server to provide HTTP/2 over cleartext.
func NewH2CHandler(h http.Handler) http.Handler {
	return h2c.NewHandler(h, &http2.Server{})
}
