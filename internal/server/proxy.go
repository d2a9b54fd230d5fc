package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/auth"
	"github.com/terraconstructs/gridauth/internal/logging"
)

// SubjectHeader carries the verified subject to the upstream application.
const SubjectHeader = "X-Auth-Subject"

// NewUpstreamProxy returns a reverse proxy to upstream. Client supplied SubjectHeader
// values are always dropped; the header is set only from a verified token.
func NewUpstreamProxy(upstream string, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if !target.IsAbs() || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", upstream)
	}
	logger = logging.OrNop(logger)

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(SubjectHeader)
			if sub, ok := auth.SubjectFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(SubjectHeader, sub)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				zap.String("path", r.URL.Path),
				zap.String("upstream", target.Host),
				zap.Error(err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}, nil
}
