package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier accepts HS256 tokens signed with a shared secret. Tokens must
// carry an exp claim.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) JWTVerifier {
	return newJWTVerifier(secret, time.Now)
}

func newJWTVerifier(secret string, now func() time.Time) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
			jwt.WithTimeFunc(now),
		),
	}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its registered claims.
func (v JWTVerifier) Claims(token string) (*jwt.RegisteredClaims, error) {
	if token == "" || len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject that expires after ttl. It is
// used by tooling and tests that need a credential for a jwt-mode relay.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
