package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid auth token")

// Identity is what the external identity service vouches for. The gateway
// never issues tokens, it only verifies them.
type Identity struct {
	Project   string
	Subject   string
	ExpiresAt time.Time
}

type Validator interface {
	Validate(token string) (Identity, error)
}

// JWTValidator verifies HMAC-signed tokens carrying a "project" claim.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	project, _ := claims["project"].(string)
	if project == "" {
		return Identity{}, fmt.Errorf("token has no project claim: %w", ErrInvalidToken)
	}
	ident := Identity{Project: project}
	if sub, ok := claims["sub"].(string); ok {
		ident.Subject = sub
	}
	if exp, ok := claims["exp"].(float64); ok {
		ident.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return ident, nil
}
