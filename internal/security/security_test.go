package security

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasofino/internal/logger"
)

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	assert.True(t, cl.TryConnect("10.1.1.1"))
	assert.True(t, cl.TryConnect("10.1.1.1"))
	assert.False(t, cl.TryConnect("10.1.1.1"))
	assert.True(t, cl.TryConnect("10.1.1.2"))

	cl.Disconnect("10.1.1.1")
	assert.Equal(t, 1, cl.Count("10.1.1.1"))
	assert.True(t, cl.TryConnect("10.1.1.1"))

	cl.Disconnect("unknown")
	assert.Equal(t, 0, cl.Count("unknown"))
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", GetClientIP(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "198.51.100.4", GetClientIP(r), "untrusted peers cannot spoof")
}

func TestBruteForceProtector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bf := NewBruteForceProtector(ctx, 3, time.Hour)
	ip := "203.0.113.7"

	assert.True(t, bf.Check(ip))
	assert.Equal(t, 1, bf.RecordFailure(ip))
	assert.Equal(t, 2, bf.RecordFailure(ip))
	assert.True(t, bf.Check(ip))
	assert.Equal(t, 3, bf.RecordFailure(ip))
	assert.False(t, bf.Check(ip))

	bf.RecordSuccess(ip)
	assert.True(t, bf.Check(ip))
}

func TestBruteForceProtector_BlockExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bf := NewBruteForceProtector(ctx, 2, 15*time.Minute)
	bf.now = func() time.Time { return now }

	bf.RecordFailure("198.51.100.1")
	bf.RecordFailure("198.51.100.1")
	assert.False(t, bf.Check("198.51.100.1"))

	now = now.Add(16 * time.Minute)
	assert.True(t, bf.Check("198.51.100.1"))
	assert.Equal(t, 1, bf.RecordFailure("198.51.100.1"), "the counter restarts after a block")
}

func TestApplyHeaders(t *testing.T) {
	h := http.Header{}
	ApplyHeaders(h, false)

	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Empty(t, h.Get("Strict-Transport-Security"))

	ApplyHeaders(h, true)
	assert.NotEmpty(t, h.Get("Strict-Transport-Security"))
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidateCacheKey("feria:2024:results"))
	assert.False(t, ValidateCacheKey(""))
	assert.False(t, ValidateCacheKey("with space"))
	assert.False(t, ValidateCacheKey("nul\x00"))
	assert.False(t, ValidateCacheKey(strings.Repeat("k", 513)))

	assert.True(t, ValidateRoom("forum:1"))
	assert.True(t, ValidateRoom("thread:abc-9_x"))
	assert.False(t, ValidateRoom(""))
	assert.False(t, ValidateRoom("forum 1"))
	assert.False(t, ValidateRoom("<script>"))

	assert.True(t, ValidateRedirectPath("/admin/users?tab=1"))
	assert.False(t, ValidateRedirectPath("//evil.example"))
	assert.False(t, ValidateRedirectPath("https://evil.example"))
	assert.False(t, ValidateRedirectPath("/../etc"))

	assert.Equal(t, "hola\nmundo", SanitizeInput("ho\x00la\nmun\x07do"))
}

func TestValidateOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/socket", nil)
	assert.True(t, ValidateOrigin(r, []string{"https://pasofino.co"}))

	r.Header.Set("Origin", "https://pasofino.co")
	assert.True(t, ValidateOrigin(r, []string{"https://pasofino.co"}))
	assert.True(t, ValidateOrigin(r, nil))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, ValidateOrigin(r, []string{"https://pasofino.co"}))
}

func TestAuditLoggerCapsPerMinute(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(logger.New(logger.Config{Level: "info", Format: "json"}, &buf))
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	al.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		require.True(t, al.Log(AuditEvent{EventType: "cache_write", Severity: "info"}))
	}
	assert.False(t, al.Log(AuditEvent{EventType: "cache_write", Severity: "info"}))

	now = now.Add(61 * time.Second)
	assert.True(t, al.Log(AuditEvent{EventType: "cache_write", Severity: "info"}))

	al.LogAdminDenied("203.0.113.1", "/admin", "no session")
	assert.Contains(t, buf.String(), `"event_type":"admin_denied"`)
	assert.Contains(t, buf.String(), `"audit":true`)
}
