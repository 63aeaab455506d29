package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("identity: signing key required")
	ErrMissingIssuer     = errors.New("identity: issuer required")
	ErrMissingToken      = errors.New("identity: token required")
	ErrInvalidToken      = errors.New("identity: invalid token")
	ErrExpiredToken      = errors.New("identity: token expired")
	ErrMissingSubject    = errors.New("identity: subject required")
)

// SessionClaims mirrors the JWT payload emitted by the authentication collaborator.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// ValidatorConfig describes how to validate collaborator-issued session JWTs.
type ValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Validator validates HS256 session tokens into identities.
type Validator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewValidator constructs a validator with the provided configuration.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the caller identity.
func (v *Validator) ValidateToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.UserID)
	if strings.TrimSpace(claims.Subject) == "" || userID == "" {
		return Identity{}, ErrMissingSubject
	}

	return Identity{
		UserID:      userID,
		DisplayName: strings.TrimSpace(claims.UserDisplayName),
		Roles:       append([]string(nil), claims.UserRoles...),
	}, nil
}
