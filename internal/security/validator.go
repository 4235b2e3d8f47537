package security

import (
	"net/http"
	"strings"
	"unicode"
)

const maxCacheKeyLength = 512

// ValidateCacheKey rejects empty, oversized and control-character keys.
func ValidateCacheKey(key string) bool {
	if key == "" || len(key) > maxCacheKeyLength {
		return false
	}
	for _, r := range key {
		if unicode.IsControl(r) || r == ' ' {
			return false
		}
	}
	return true
}

// ValidateRoom accepts names such as forum:12 or thread:abc-9.
func ValidateRoom(room string) bool {
	if room == "" || len(room) > 128 {
		return false
	}
	for _, r := range room {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(":-_.", r)) {
			return false
		}
	}
	return true
}

// ValidateOrigin checks if request origin is allowed
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // No origin header = same origin or direct request
	}

	if len(allowedOrigins) == 0 {
		return true // Allow all if no restriction set
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// SanitizeInput removes potentially dangerous characters
func SanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")
	// Remove control characters except newline/tab
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateRedirectPath accepts only local absolute paths, so a ?next=
// value can never send the browser off-site.
func ValidateRedirectPath(path string) bool {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.HasPrefix(path, "/\\") {
		return false
	}
	// Check for path traversal
	if strings.Contains(path, "..") {
		return false
	}
	// Check for null bytes
	if strings.Contains(path, "\x00") {
		return false
	}
	return true
}

// MaxBodySize middleware limits request body size
func MaxBodySize(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
