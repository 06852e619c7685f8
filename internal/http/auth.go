package http

import (
	"context"
	"crypto/rsa"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleBuyer     = "buyer"
	RoleAttendant = "attendant"
	RoleAdmin     = "admin"
)

// Principal is the caller identified by the bearer token. Identity is issued
// elsewhere; this service only verifies it.
type Principal struct {
	Subject string
	Role    string
}

// BuyerID reports the numeric buyer id carried in the subject.
func (p Principal) BuyerID() (int64, bool) {
	id, err := strconv.ParseInt(p.Subject, 10, 64)
	return id, err == nil && id > 0
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

func NewVerifier(publicKeyPEM string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt public key")
	}
	return &Verifier{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()),
	}, nil
}

func (v *Verifier) Verify(raw string) (*Principal, error) {
	var claims tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Principal{Subject: claims.Subject, Role: strings.ToLower(claims.Role)}, nil
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
