/*Package access provides the authentication gate: login against the single
configured principal, and verification of the signed, time-limited bearer
credential on every resource route. There is no server-side session state,
the token itself carries subject, issued-at and expiry.
*/
package access

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyIdentity contextKey = "_identity_"
)

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context,
// or the empty string when the request was not authenticated.
func IdentityFromContext(ctx context.Context) string {
	identity, ok := ctx.Value(contextKeyIdentity).(string)
	if ok {
		return identity
	}
	return ""
}
