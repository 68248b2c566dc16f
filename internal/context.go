package proxy

import "context"

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// UserToken is set later by the auth middleware via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	UserToken string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// UserTokenFromContext extracts the authenticated user token from ctx, or "".
func UserTokenFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.UserToken
	}
	return ""
}

// ContextWithUserToken stores the user token in the existing requestMeta if
// present, falling back to a fresh one (e.g. in tests).
func ContextWithUserToken(ctx context.Context, tok string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.UserToken = tok
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{UserToken: tok})
}
