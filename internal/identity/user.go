// Package identity talks to the hosted identity provider: it refreshes
// sessions, looks up the user behind an access token and resolves the portal
// role from the profiles table.
package identity

import (
	"errors"
	"strings"

	"pasofino/internal/constants"
)

var (
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	ErrNotConfigured   = errors.New("identity: provider not configured")
)

// User is a read-only copy of what the provider knows about the caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (u User) IsPrivileged() bool {
	return u.Role == constants.PrivilegedRole
}

// Session is the token pair returned by a refresh.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	User         User
}

// displayName picks the first non-empty name claim, then the e-mail local part.
func displayName(meta map[string]any, email string) string {
	for _, k := range []string{"full_name", "name", "user_name"} {
		if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}
