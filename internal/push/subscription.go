// Package push keeps browser push subscriptions in the shared cache and fans
// notifications out to them over Web Push.
package push

import (
	"encoding/base64"
	"errors"
	"net/url"
	"time"
)

var ErrInvalidSubscription = errors.New("push: invalid subscription")

type Keys struct {
	Auth   string `json:"auth"`
	P256dh string `json:"p256dh"`
}

// Subscription is the browser's PushSubscription as posted to /push/subscribe.
type Subscription struct {
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
}

type Record struct {
	Key  string       `json:"key"`
	Data Subscription `json:"data"`
}

// Validate requires an https endpoint (plain http only for localhost) and both keys.
func (s Subscription) Validate() error {
	if s.Endpoint == "" || s.Keys.Auth == "" || s.Keys.P256dh == "" {
		return ErrInvalidSubscription
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidSubscription
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
	}
	return ErrInvalidSubscription
}

// KeyFor derives the registry key of an endpoint. It is deterministic and
// reversible with EndpointFor.
func KeyFor(endpoint string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(endpoint))
}

func EndpointFor(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
