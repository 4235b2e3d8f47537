package gate

import (
	"context"

	"pasofino/internal/identity"
)

type stateKey struct{}

type state struct {
	user *identity.User
	err  error
}

// UserFrom returns the user the gate resolved for this request.
func UserFrom(ctx context.Context) (identity.User, bool) {
	st, _ := ctx.Value(stateKey{}).(state)
	if st.user == nil || st.err != nil {
		return identity.User{}, false
	}
	return *st.user, true
}

// WithUser attaches u as if the gate had resolved it.
func WithUser(ctx context.Context, u identity.User) context.Context {
	return context.WithValue(ctx, stateKey{}, state{user: &u})
}
