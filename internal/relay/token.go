package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sotto/internal/domain"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour
)

// Issuer mints and verifies HS256 access/refresh token pairs. A
// refresh always rotates: the new pair invalidates nothing server-side
// but the old refresh token simply ages out.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an issuer signing with secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// IssuePair mints a fresh access/refresh pair for the user.
func (i *Issuer) IssuePair(userID domain.UserID, email string) (domain.TokenPair, error) {
	access, err := i.sign(userID, email, "access", accessTTL)
	if err != nil {
		return domain.TokenPair{}, err
	}
	refresh, err := i.sign(userID, email, "refresh", refreshTTL)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess validates an access token and returns its subject.
func (i *Issuer) VerifyAccess(token string) (domain.UserID, string, error) {
	return i.verify(token, "access")
}

// VerifyRefresh validates a refresh token and returns its subject.
func (i *Issuer) VerifyRefresh(token string) (domain.UserID, string, error) {
	return i.verify(token, "refresh")
}

func (i *Issuer) sign(userID domain.UserID, email, use string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"use":   use,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

func (i *Issuer) verify(token, use string) (domain.UserID, string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected claims shape", domain.ErrAuth)
	}
	if got, _ := claims["use"].(string); got != use {
		return "", "", fmt.Errorf("%w: token not valid for %s", domain.ErrAuth, use)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("%w: missing subject", domain.ErrAuth)
	}
	email, _ := claims["email"].(string)
	return domain.UserID(sub), email, nil
}
