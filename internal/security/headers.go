package security

import (
	"net/http"
)

// ApplyHeaders sets the baseline response headers. It runs before the
// handler so redirects and errors carry them too.
func ApplyHeaders(h http.Header, https bool) {
	// Prevent clickjacking
	h.Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	h.Set("X-Content-Type-Options", "nosniff")

	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

	h.Set("Content-Security-Policy",
		"default-src 'self'; "+
			"script-src 'self' 'unsafe-inline'; "+
			"style-src 'self' 'unsafe-inline'; "+
			"img-src 'self' data: https:; "+
			"connect-src 'self' ws: wss:; "+
			"frame-ancestors 'none';")

	// Strict Transport Security (HTTPS only)
	if https {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
