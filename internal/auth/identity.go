package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when a request carries no usable credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidToken is returned for malformed, expired or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongTokenType is returned when an access token is presented where an
	// internal token is expected, or the reverse.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Identity is the resolved caller of an end-user request.
type Identity struct {
	ID   string
	Role string
}

// Resolver maps an opaque end-user credential to an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type identityKey struct{}

type internalKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the end-user identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithInternalCaller marks ctx as originating from a verified internal service.
func WithInternalCaller(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, internalKey{}, service)
}

// InternalCallerFrom returns the verified internal service name, if any.
func InternalCallerFrom(ctx context.Context) (string, bool) {
	svc, ok := ctx.Value(internalKey{}).(string)
	return svc, ok
}
