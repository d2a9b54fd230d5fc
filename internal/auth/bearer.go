package auth

import "strings"

const (
	bearerScheme = "Bearer"
	bearerPrefix = bearerScheme + " "
)

// NormalizeBearer rewrites any credential into the canonical "Bearer <token>" form.
//
// Proxies and hand-written configuration disagree on scheme casing and spacing, so the
// function never rejects input:
//
//	"bearer\t\tXYZ" -> "Bearer XYZ"
//	"BearerXYZ"     -> "Bearer XYZ"
//	"raw-token"     -> "Bearer raw-token"
//
// NormalizeBearer(NormalizeBearer(s)) == NormalizeBearer(s) for every s.
func NormalizeBearer(raw string) string {
	value := strings.TrimSpace(raw)
	if !hasBearerScheme(value) {
		return bearerPrefix + value
	}
	// Both the separated and the glued form reduce to the same thing: drop the
	// scheme and any separator run that follows it.
	rest := strings.TrimLeft(value[len(bearerScheme):], " \t")
	return bearerPrefix + rest
}

func hasBearerScheme(value string) bool {
	return len(value) >= len(bearerScheme) && strings.EqualFold(value[:len(bearerScheme)], bearerScheme)
}
