package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway treats tokens about to expire as expired so the gate refreshes
// them before the provider starts rejecting them.
const expiryLeeway = 30 * time.Second

// Claims is the access-token body issued by the provider.
type Claims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) user() User {
	return User{
		ID:    c.Subject,
		Email: c.Email,
		Name:  displayName(c.UserMetadata, c.Email),
		Role:  metaString(c.AppMetadata, "role"),
	}
}

// Verifier checks HS256 access tokens locally with the project JWT secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v
}

func (v *Verifier) Verify(token string) (User, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return User{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.user(), nil
}

// Sign issues a token for u. It exists for the CLI and tests; production
// tokens come from the provider.
func (v *Verifier) Sign(u User, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email:        u.Email,
		UserMetadata: map[string]any{"full_name": u.Name},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if u.Role != "" {
		claims.AppMetadata = map[string]any{"role": u.Role}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Expired reports whether token is missing, unreadable or past its expiry.
// The signature is not checked.
func Expired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if exp == nil {
		return false
	}
	return now.Add(expiryLeeway).After(exp.Time)
}
