package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasofino/internal/config"
	"pasofino/internal/logger"
	"pasofino/internal/platform"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func newFakeProvider(t *testing.T) (*Provider, *atomic.Int32) {
	t.Helper()
	var userCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh_token"] != "good-refresh" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"user": map[string]any{
				"id":            "u-1",
				"email":         "carmen@pasofino.co",
				"user_metadata": map[string]any{"full_name": "Carmen Restrepo"},
			},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		userCalls.Add(1)
		switch r.Header.Get("Authorization") {
		case "Bearer good-access":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           "u-2",
				"email":        "julian@pasofino.co",
				"app_metadata": map[string]any{"role": "admin"},
			})
		case "Bearer broken":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewProvider(config.IdentityConfig{URL: srv.URL + "/", AnonKey: "anon"}), &userCalls
}

func TestProvider_Refresh(t *testing.T) {
	p, _ := newFakeProvider(t)

	s, err := p.Refresh(context.Background(), "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", s.AccessToken)
	assert.Equal(t, "new-refresh", s.RefreshToken)
	assert.Equal(t, 3600, s.ExpiresIn)
	assert.Equal(t, User{ID: "u-1", Email: "carmen@pasofino.co", Name: "Carmen Restrepo"}, s.User)

	_, err = p.Refresh(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = p.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestProvider_GetUser(t *testing.T) {
	p, _ := newFakeProvider(t)

	u, err := p.GetUser(context.Background(), "good-access")
	require.NoError(t, err)
	assert.Equal(t, "u-2", u.ID)
	assert.Equal(t, "julian", u.Name)
	assert.True(t, u.IsPrivileged())

	_, err = p.GetUser(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = p.GetUser(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Contains(t, err.Error(), "502")
}

func TestProviderFrom(t *testing.T) {
	assert.False(t, ProviderFrom(platform.Unconfigured[config.IdentityConfig]("IDENTITY_URL not set")).IsConfigured())
	assert.True(t, ProviderFrom(platform.Configured(config.IdentityConfig{URL: "https://id.example", AnonKey: "k"})).IsConfigured())
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)
	in := User{ID: "u-3", Email: "luz@pasofino.co", Name: "Luz Marina", Role: "admin"}

	tok, err := v.Sign(in, time.Hour)
	require.NoError(t, err)

	out, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)
	other := NewVerifier("a-different-secret-that-is-also-long-enough")

	forged, err := other.Sign(User{ID: "u-4"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := v.Sign(User{ID: "u-4"}, time.Hour)
	require.NoError(t, err)
	v.now = time.Now
	_, err = v.Verify(old)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// alg=none with an empty signature
	_, err = v.Verify("eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJ1LTQifQ.")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestExpired(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now()

	fresh, err := v.Sign(User{ID: "u"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, Expired(fresh, now))

	almost, err := v.Sign(User{ID: "u"}, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, Expired(almost, now))

	assert.True(t, Expired("", now))
	assert.True(t, Expired("garbage", now))
}

type fakeRoles struct {
	calls atomic.Int32
	roles map[string]string
	err   error
}

func (f *fakeRoles) Role(_ context.Context, id string) (string, error) {
	f.calls.Add(1)
	return f.roles[id], f.err
}

func TestResolver_VerifierAndRoles(t *testing.T) {
	v := NewVerifier(testSecret)
	roles := &fakeRoles{roles: map[string]string{"u-5": "admin"}}
	r := NewResolver(ResolverOptions{Verifier: v, Roles: roles}, logger.Nop{})
	assert.True(t, r.Enabled())

	tok, err := v.Sign(User{ID: "u-5", Email: "admin@pasofino.co"}, time.Hour)
	require.NoError(t, err)

	u, err := r.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, u.IsPrivileged())

	_, err = r.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, int32(1), roles.calls.Load(), "second resolve served from cache")

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolver_RoleLookupFailure(t *testing.T) {
	v := NewVerifier(testSecret)
	r := NewResolver(ResolverOptions{Verifier: v, Roles: &fakeRoles{err: errors.New("connection refused")}}, logger.Nop{})

	tok, err := v.Sign(User{ID: "u-6", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	u, err := r.Resolve(context.Background(), tok)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, "u-6", u.ID)

	// Failures are not cached.
	_, err = r.Resolve(context.Background(), tok)
	assert.Error(t, err)
}

func TestResolver_ProviderFallback(t *testing.T) {
	p, calls := newFakeProvider(t)
	r := NewResolver(ResolverOptions{Provider: platform.Configured(p)}, logger.Nop{})

	u, err := r.Resolve(context.Background(), "good-access")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)

	_, err = r.Resolve(context.Background(), "good-access")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	s, err := r.Refresh(context.Background(), "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", s.AccessToken)
}

func TestResolver_NotConfigured(t *testing.T) {
	r := ResolverFrom(
		platform.Unconfigured[config.IdentityConfig]("IDENTITY_URL not set"),
		platform.Unconfigured[*pgxpool.Pool]("DATABASE_URL not set"),
		logger.Nop{},
	)
	assert.False(t, r.Enabled())

	_, err := r.Resolve(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = r.Refresh(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
