package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/platform"
)

// Provider is an HTTP client for the identity service auth API.
type Provider struct {
	baseURL string
	anonKey string
	http    *http.Client
}

func NewProvider(cfg config.IdentityConfig) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		anonKey: cfg.AnonKey,
		http: &http.Client{
			Timeout:   constants.IdentityTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ProviderFrom maps the identity credentials handle onto a provider handle.
func ProviderFrom(creds platform.Handle[config.IdentityConfig]) platform.Handle[*Provider] {
	return platform.Match(creds,
		func(cfg config.IdentityConfig) platform.Handle[*Provider] {
			return platform.Configured(NewProvider(cfg))
		},
		platform.Unconfigured[*Provider],
	)
}

type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
}

func (u userResponse) user() User {
	return User{
		ID:    u.ID,
		Email: u.Email,
		Name:  displayName(u.UserMetadata, u.Email),
		Role:  metaString(u.AppMetadata, "role"),
	}
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	User         userResponse `json:"user"`
}

// Refresh exchanges a refresh token for a new session. A rejected token maps
// to ErrUnauthenticated.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, ErrUnauthenticated
	}
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var tok tokenResponse
	if err := p.do(req, &tok); err != nil {
		return Session{}, fmt.Errorf("refresh session: %w", err)
	}
	if tok.AccessToken == "" {
		return Session{}, fmt.Errorf("refresh session: %w", ErrUnauthenticated)
	}
	return Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
		User:         tok.User.user(),
	}, nil
}

// GetUser returns the user behind accessToken.
func (p *Provider) GetUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var u userResponse
	if err := p.do(req, &u); err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("get user: %w", ErrUnauthenticated)
	}
	return u.user(), nil
}

func (p *Provider) do(req *http.Request, dst any) error {
	req.Header.Set("apikey", p.anonKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
