// Package platform holds the process-wide client handles. Each external
// collaborator is either Configured with a live client or Unconfigured, and
// call sites must branch on that explicitly.
package platform

// Handle is the tagged result Configured(client) | Unconfigured.
type Handle[T any] struct {
	client T
	ok     bool
	reason string
}

func Configured[T any](client T) Handle[T] {
	return Handle[T]{client: client, ok: true}
}

// Unconfigured records why the client is missing, for startup logs and stats.
func Unconfigured[T any](reason string) Handle[T] {
	return Handle[T]{reason: reason}
}

// Get returns the client and whether it is configured.
func (h Handle[T]) Get() (T, bool) {
	return h.client, h.ok
}

func (h Handle[T]) IsConfigured() bool {
	return h.ok
}

func (h Handle[T]) Reason() string {
	if h.ok {
		return ""
	}
	return h.reason
}

// Match runs exactly one of the two branches.
func Match[T, R any](h Handle[T], configured func(T) R, unconfigured func(reason string) R) R {
	if h.ok {
		return configured(h.client)
	}
	return unconfigured(h.reason)
}
