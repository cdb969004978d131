package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the set of claims this module inspects from a Supabase-issued
// access token without round-tripping to GoTrue.
type Claims struct {
	Subject string
	Email   string
	Role    string
	Aud     string
	Expiry  time.Time
	IssuedAt time.Time
}

// Expired reports whether the token's exp claim is in the past.
func (c *Claims) Expired() bool {
	return time.Now().After(c.Expiry)
}

// IsServiceRole reports whether the token carries the service-role claim.
func (c *Claims) IsServiceRole() bool {
	return c.Role == "service_role"
}

// ParseClaims decodes accessToken's claims without verifying the
// signature — the token was issued to us by GoTrue over TLS, so the
// embedder only needs the claims, not re-authentication. Use a jwt
// Parser with the secret when verification is required.
func ParseClaims(accessToken string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected claims type")
	}

	c := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		c.Subject = sub
	}
	if email, ok := mapClaims["email"].(string); ok {
		c.Email = email
	}
	if role, ok := mapClaims["role"].(string); ok {
		c.Role = role
	}
	if aud, ok := mapClaims["aud"].(string); ok {
		c.Aud = aud
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		c.Expiry = time.Unix(int64(exp), 0)
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(iat), 0)
	}
	return c, nil
}

// VerifyClaims decodes and verifies accessToken's HMAC signature against
// secret, used by embedders holding the project JWT secret.
func VerifyClaims(accessToken, secret string) (*Claims, error) {
	token, err := jwt.Parse(accessToken, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: verify token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return ParseClaims(accessToken)
}
