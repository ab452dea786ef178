package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/clinichq/clinic-backend/pkg/config"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// Claims represents the JWT claims issued by the identity provider.
// ClinicGrants carries the per-clinic capability sets the pharmacy service
// gates on; the service never mints tokens itself.
type Claims struct {
	jwt.RegisteredClaims
	UserID       string                   `json:"user_id"`
	Email        string                   `json:"email"`
	Name         string                   `json:"name"`
	ClinicGrants permissions.ClinicGrants `json:"clinic_grants,omitempty"`
}

// Verifier validates access tokens from the identity provider.
type Verifier struct {
	config *config.JWTConfig
}

// NewVerifier creates a new token verifier
func NewVerifier(cfg *config.JWTConfig) *Verifier {
	return &Verifier{config: cfg}
}

// ValidateAccessToken validates an access token and returns the claims
func (v *Verifier) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.TokenInvalid()
		}
		return []byte(v.config.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.TokenInvalid()
	}

	return claims, nil
}
