// Package auth verifies bearer tokens and carries the caller's identity
// through the request context. Token issuance lives elsewhere.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// Identity is the per-request session derived from a verified token.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Actor converts the identity for the order service.
func (i Identity) Actor() orders.Actor {
	return orders.Actor{UserID: i.UserID, Admin: i.IsAdmin()}
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Claims are the token claims this service reads. The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses an "Authorization" header value or a raw token.
func (v *Verifier) Verify(header string) (Identity, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if len(v.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("missing subject"))
	}
	return Identity{UserID: sub, Role: claims.Role}, nil
}
