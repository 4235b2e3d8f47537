// Package gate is the request middleware in front of every route: CORS for
// API paths, a best-effort session refresh, admin authorization and the
// security headers.
package gate

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"pasofino/internal/constants"
	"pasofino/internal/identity"
	"pasofino/internal/logger"
	"pasofino/internal/security"
	"pasofino/internal/utils"
)

// Sessions is the identity side the gate depends on.
type Sessions interface {
	Resolve(ctx context.Context, accessToken string) (identity.User, error)
	Refresh(ctx context.Context, refreshToken string) (identity.Session, error)
	Expired(accessToken string) bool
}

type Options struct {
	Sessions Sessions
	Audit    *security.AuditLogger
	// Guard blocks IPs whose refresh tokens keep failing. Optional.
	Guard         *security.BruteForceProtector
	APIPrefixes   []string
	AdminPrefixes []string
	Logger        logger.Logger
}

type Gate struct {
	sessions Sessions
	audit    *security.AuditLogger
	guard    *security.BruteForceProtector
	api      []string
	admin    []string
	log      logger.Logger
}

func New(opts Options) *Gate {
	if opts.APIPrefixes == nil {
		opts.APIPrefixes = constants.APIPrefixes
	}
	if opts.AdminPrefixes == nil {
		opts.AdminPrefixes = constants.AdminPrefixes
	}
	return &Gate{
		sessions: opts.Sessions,
		audit:    opts.Audit,
		guard:    opts.Guard,
		api:      opts.APIPrefixes,
		admin:    opts.AdminPrefixes,
		log:      logger.OrDefault(opts.Logger).WithField("component", "gate"),
	}
}

// Wrap runs the gate before next. Session problems never fail the request;
// admin paths fail closed with a redirect.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secure := utils.GetScheme(r) == "https"
		security.ApplyHeaders(w.Header(), secure)

		if utils.HasPathPrefix(r.URL.Path, g.api) {
			cors(w.Header(), r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		st := g.session(w, r, secure)
		r = r.WithContext(context.WithValue(r.Context(), stateKey{}, st))

		if utils.HasPathPrefix(r.URL.Path, g.admin) && !g.authorize(w, r, st) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func cors(h http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
}

// session refreshes an expired access token when a refresh token is present
// and resolves the caller. Every failure leaves the request anonymous.
func (g *Gate) session(w http.ResponseWriter, r *http.Request, secure bool) state {
	if g.sessions == nil {
		return state{}
	}
	access := cookieValue(r, constants.AccessTokenCookie)
	refresh := cookieValue(r, constants.RefreshTokenCookie)

	if refresh != "" && g.sessions.Expired(access) {
		if s, ok := g.refresh(r, refresh); ok {
			setSessionCookies(w, s, secure)
			access = s.AccessToken
		}
	}
	if access == "" {
		return state{}
	}

	u, err := g.sessions.Resolve(r.Context(), access)
	switch {
	case err == nil:
		return state{user: &u}
	case errors.Is(err, identity.ErrUnauthenticated), errors.Is(err, identity.ErrNotConfigured):
		return state{}
	default:
		g.log.WithError(err).Warnf("⚠️  Could not resolve session")
		return state{err: err}
	}
}

func (g *Gate) refresh(r *http.Request, token string) (identity.Session, bool) {
	ip := security.GetClientIP(r)
	if g.guard != nil && !g.guard.Check(ip) {
		return identity.Session{}, false
	}

	s, err := g.sessions.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrNotConfigured) {
			return identity.Session{}, false
		}
		g.log.WithError(err).Debugf("Session refresh failed for %s", ip)
		if g.audit != nil {
			g.audit.LogRefreshFailure(ip, err.Error())
		}
		if g.guard != nil {
			if n := g.guard.RecordFailure(ip); n >= constants.RefreshMaxFailures && g.audit != nil {
				g.audit.LogBruteForce(ip, n)
			}
		}
		return identity.Session{}, false
	}

	if g.guard != nil {
		g.guard.RecordSuccess(ip)
	}
	return s, true
}

func (g *Gate) authorize(w http.ResponseWriter, r *http.Request, st state) bool {
	ip := security.GetClientIP(r)
	switch {
	case st.err != nil:
		g.deny(w, r, ip, constants.EndpointUnauthorized, "session lookup failed")
		return false
	case st.user == nil:
		target := constants.EndpointLogin
		if next := r.URL.RequestURI(); security.ValidateRedirectPath(next) {
			target += "?next=" + url.QueryEscape(next)
		}
		g.deny(w, r, ip, target, "no session")
		return false
	case !st.user.IsPrivileged():
		g.deny(w, r, ip, constants.EndpointUnauthorized, "role "+roleOrNone(st.user.Role))
		return false
	}
	return true
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, ip, target, reason string) {
	if g.audit != nil {
		g.audit.LogAdminDenied(ip, r.URL.Path, reason)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func roleOrNone(role string) string {
	if role == "" {
		return "none"
	}
	return role
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func setSessionCookies(w http.ResponseWriter, s identity.Session, secure bool) {
	for name, value := range map[string]string{
		constants.AccessTokenCookie:  s.AccessToken,
		constants.RefreshTokenCookie: s.RefreshToken,
	} {
		if value == "" {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			MaxAge:   constants.SessionCookieMaxAge,
			HttpOnly: true,
			Secure:   secure,
			SameSite: constants.SessionCookieSameSite,
		})
	}
}
