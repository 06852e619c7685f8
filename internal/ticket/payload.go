package ticket

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/expedition-reservations/internal/domain"
)

const payloadIssuer = "expres-tickets"

type payloadClaims struct {
	BookingID string `json:"bid"`
	jwt.RegisteredClaims
}

// Signer produces and checks the token encoded in a ticket's QR code.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) < 16 {
		return nil, errors.New("ticket signing key must be at least 16 bytes")
	}
	return &Signer{key: key}, nil
}

func (s *Signer) Sign(code string, bookingID int64, at time.Time) (string, error) {
	claims := payloadClaims{
		BookingID: strconv.FormatInt(bookingID, 10),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   payloadIssuer,
			Subject:  code,
			IssuedAt: jwt.NewNumericDate(at),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify returns the claim code carried by a scanned payload.
func (s *Signer) Verify(payload string) (string, error) {
	var claims payloadClaims
	_, err := jwt.ParseWithClaims(payload, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(payloadIssuer))
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "invalid ticket payload"), domain.ErrInvalidInput)
	}
	if claims.Subject == "" {
		return "", domain.Invalidf("ticket payload has no claim code")
	}
	return claims.Subject, nil
}
