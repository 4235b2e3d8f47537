package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionValidate(t *testing.T) {
	keys := Keys{Auth: "auth", P256dh: "p256dh"}

	cases := []struct {
		name     string
		sub      Subscription
		expected error
	}{
		{"https endpoint", Subscription{Endpoint: "https://fcm.googleapis.com/fcm/send/abc", Keys: keys}, nil},
		{"localhost http", Subscription{Endpoint: "http://localhost:9000/push", Keys: keys}, nil},
		{"remote http", Subscription{Endpoint: "http://push.example.com/x", Keys: keys}, ErrInvalidSubscription},
		{"relative", Subscription{Endpoint: "/push/abc", Keys: keys}, ErrInvalidSubscription},
		{"missing auth", Subscription{Endpoint: "https://push.example.com/x", Keys: Keys{P256dh: "k"}}, ErrInvalidSubscription},
		{"empty", Subscription{}, ErrInvalidSubscription},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.sub.Validate(), tc.expected)
		})
	}
}

func TestKeyForIsDeterministicAndReversible(t *testing.T) {
	endpoint := "https://updates.push.services.mozilla.com/wpush/v2/gAAAAABk?x=1&y=/2"

	key := KeyFor(endpoint)
	assert.Equal(t, key, KeyFor(endpoint))
	assert.NotContains(t, key, "/")
	assert.NotContains(t, key, "+")

	back, err := EndpointFor(key)
	require.NoError(t, err)
	assert.Equal(t, endpoint, back)

	assert.NotEqual(t, key, KeyFor(endpoint+"0"))
}
