package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAccessTTL = 24 * time.Hour

// tokenClaims is the JWT claim set. The userId/username claim names are
// wire-stable; existing clients embed them in stored sessions.
type tokenClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier issues and verifies HS256 bearer tokens carrying
// (userID, username). It implements Verifier.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier) error

// WithAccessTTL sets the token lifetime (default 24h).
func WithAccessTTL(ttl time.Duration) JWTOption {
	return func(v *JWTVerifier) error {
		if ttl <= 0 {
			return errors.New("identity: non-positive token ttl")
		}
		v.ttl = ttl
		return nil
	}
}

// NewJWTVerifier constructs a verifier from a signing secret.
// The secret must be at least 32 bytes; a short secret is a configuration bug,
// not something to degrade around.
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: signing secret must be at least 32 bytes")
	}
	v := &JWTVerifier{
		secret: secret,
		ttl:    defaultAccessTTL,
		issuer: "visage",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Issue signs a token for the identity at the given time.
func (v *JWTVerifier) Issue(id Identity, now time.Time) (string, time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exp := now.Add(v.ttl)

	claims := tokenClaims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify validates the credential and returns the embedded identity.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrNoCredential
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(credential, &claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, ErrInvalidCredential
	}
	if claims.UserID == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
