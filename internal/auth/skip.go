package auth

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"
)

// bexprCache stores compiled go-bexpr evaluators keyed by expression.
var bexprCache = &sync.Map{}

// NewSkipper builds a Skipper that matches requests whose path equals one of paths
// (or sits below one ending in "/"), or that satisfy the go-bexpr expression, e.g.
//
//	method == "OPTIONS" or path matches "^/public/"
//
// Paths that are not in clean form (dot segments, repeated slashes) never skip.
// An invalid expression is a configuration error.
func NewSkipper(paths []string, expression string) (Skipper, error) {
	exact := make(map[string]struct{}, len(paths))
	var prefixes []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasSuffix(p, "/") && p != "/":
			prefixes = append(prefixes, p)
		default:
			exact[p] = struct{}{}
		}
	}

	var evaluator *bexpr.Evaluator
	if strings.TrimSpace(expression) != "" {
		var err error
		evaluator, err = compileBexpr(expression)
		if err != nil {
			return nil, fmt.Errorf("auth.skip_expression: %w", err)
		}
	}

	if len(exact) == 0 && len(prefixes) == 0 && evaluator == nil {
		return defaultSkipper, nil
	}

	return func(r *http.Request) bool {
		if r == nil || r.URL == nil {
			return false
		}
		reqPath := r.URL.Path
		if !isCleanPath(reqPath) {
			return false
		}
		if _, ok := exact[reqPath]; ok {
			return true
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(reqPath, prefix) {
				return true
			}
		}
		if evaluator == nil {
			return false
		}
		matches, err := evaluator.Evaluate(map[string]any{
			"path":   reqPath,
			"method": r.Method,
			"host":   r.Host,
		})
		if err != nil {
			// Evaluation errors never skip authentication.
			return false
		}
		return matches
	}, nil
}

func isCleanPath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned == p
}

func compileBexpr(expression string) (*bexpr.Evaluator, error) {
	if cached, ok := bexprCache.Load(expression); ok {
		return cached.(*bexpr.Evaluator), nil
	}
	evaluator, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, err
	}
	bexprCache.Store(expression, evaluator)
	return evaluator, nil
}
