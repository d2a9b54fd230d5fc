package middleware

import (
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Stage names of the baseline pipeline.
const (
	StageTracing      = "tracing"
	StageRequestID    = "request_id"
	StageRealIP       = "real_ip"
	StageCORS         = "cors"
	StageLogger       = "logger"
	StageRecoverer    = "recoverer"
	StageAuthenticate = "authenticate"
	StageHeaderGuard  = "header_guard"
)

// DefaultCandidates are the anchors the authenticate stage follows when nothing is
// configured: request logging, then the recovery/dispatch stage, then the header
// normalisation stages.
var DefaultCandidates = []string{StageLogger, StageRecoverer, StageRealIP, StageRequestID}

// BaselineOptions selects the optional baseline stages.
type BaselineOptions struct {
	// Tracing starts a server span per request ahead of every other stage.
	Tracing bool
	// RealIP rewrites RemoteAddr from forwarding headers. Trust decisions downstream
	// then see the rewritten address, so enable only behind trusted proxies.
	RealIP bool
	// CORSOrigins enables the cors stage when non-empty.
	CORSOrigins []string
	// Logger enables the request logger stage, writing chi's access lines through zap.
	Logger *zap.Logger
}

// DefaultCORSOptions returns the CORS policy used for the given origins.
func DefaultCORSOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// BaselineStages returns the request pipeline before authentication is installed.
// CORS runs ahead of authentication so preflight requests are answered without a token.
// The recoverer sits ahead of cors and logger so it wraps every stage anchored on them.
func BaselineStages(opts BaselineOptions) []Stage {
	var stages []Stage
	if opts.Tracing {
		stages = append(stages, Stage{Name: StageTracing, Middleware: otelhttp.NewMiddleware("http.request",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			}),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		)})
	}
	stages = append(stages, Stage{Name: StageRequestID, Middleware: chimw.RequestID})
	if opts.RealIP {
		stages = append(stages, Stage{Name: StageRealIP, Middleware: chimw.RealIP})
	}
	stages = append(stages, Stage{Name: StageRecoverer, Middleware: chimw.Recoverer})
	if len(opts.CORSOrigins) > 0 {
		stages = append(stages, Stage{Name: StageCORS, Middleware: cors.Handler(DefaultCORSOptions(opts.CORSOrigins))})
	}
	if opts.Logger != nil {
		stages = append(stages, Stage{Name: StageLogger, Middleware: chimw.RequestLogger(&chimw.DefaultLogFormatter{
			Logger:  zap.NewStdLog(opts.Logger.Named("access")),
			NoColor: true,
		})})
	}
	return stages
}
