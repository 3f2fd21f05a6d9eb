package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeInternal = "internal"

	// InternalAudience is the audience claim required on server-to-server tokens.
	InternalAudience = "taskpulse-internal"
)

const minSecretLen = 32

type claims struct {
	Role      string `json:"role,omitempty"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// signer holds the HMAC key and clock shared by both token kinds.
type signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	leeway time.Duration
}

func newSigner(secret, issuer string, ttl time.Duration) (signer, error) {
	if len(secret) < minSecretLen {
		return signer{}, fmt.Errorf("secret must be at least %d characters", minSecretLen)
	}
	return signer{
		key:    []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
		leeway: 5 * time.Second,
	}, nil
}

func (s signer) sign(c claims) (string, error) {
	now := s.now()
	c.Issuer = s.issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	c.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", c.TokenType, err)
	}
	return signed, nil
}

func (s signer) parse(tokenString, wantType string, opts ...jwt.ParserOption) (*claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)

	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, opts...)
	if err != nil {
		slog.Debug("token validation failed", "type", wantType, "error", err)
		return nil, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	if c.TokenType != wantType {
		return nil, ErrWrongTokenType
	}
	return c, nil
}

// JWTResolver issues and resolves end-user access tokens.
type JWTResolver struct {
	signer
}

// NewJWTResolver creates a resolver over an HS256 secret of at least 32 characters.
func NewJWTResolver(secret, issuer string, ttl time.Duration) (*JWTResolver, error) {
	s, err := newSigner(secret, issuer, ttl)
	if err != nil {
		return nil, fmt.Errorf("jwt resolver: %w", err)
	}
	return &JWTResolver{signer: s}, nil
}

// Issue mints an access token for userID.
func (r *JWTResolver) Issue(userID, role string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	return r.sign(claims{
		Role:             role,
		TokenType:        tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	})
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	c, err := r.parse(token, tokenTypeAccess)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: c.Subject, Role: c.Role}, nil
}

// InternalSigner mints and verifies short-lived server-to-server tokens that
// authorize broadcasts and notifications. It must use a different secret than
// JWTResolver so a leaked user token can never pass as internal.
type InternalSigner struct {
	signer
}

// NewInternalSigner creates a signer for tokens valid for ttl.
func NewInternalSigner(secret, issuer string, ttl time.Duration) (*InternalSigner, error) {
	s, err := newSigner(secret, issuer, ttl)
	if err != nil {
		return nil, fmt.Errorf("internal signer: %w", err)
	}
	return &InternalSigner{signer: s}, nil
}

// Sign mints a token naming the calling service.
func (s *InternalSigner) Sign(service string) (string, error) {
	if service == "" {
		return "", errors.New("service name is required")
	}
	return s.sign(claims{
		TokenType: tokenTypeInternal,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  service,
			Audience: jwt.ClaimStrings{InternalAudience},
		},
	})
}

// Verify returns the calling service named by a valid internal token.
func (s *InternalSigner) Verify(token string) (string, error) {
	c, err := s.parse(token, tokenTypeInternal, jwt.WithAudience(InternalAudience))
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}
