package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/apperr"
)

const (
	purposeSession    = "session"
	purposeOAuthState = "oauth_state"
)

// Claims is the JWT body for session tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Role    Role   `json:"role,omitempty"`
	Purpose string `json:"purpose"`
}

// TokenIssuer signs and verifies HS256 tokens for sessions and OAuth state.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a session token for the account and returns the principal it
// encodes.
func (t *TokenIssuer) Issue(accountID uuid.UUID, email string, role Role) (string, Principal, error) {
	now := t.now()
	p := Principal{
		AccountID: accountID,
		Email:     email,
		Role:      role,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(t.ttl).Truncate(time.Second),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TokenID,
			Subject:   accountID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
		Email:   email,
		Role:    role,
		Purpose: purposeSession,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", Principal{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, p, nil
}

// Verify parses a session token and returns its principal.
func (t *TokenIssuer) Verify(tokenStr string) (Principal, error) {
	claims, err := t.parse(tokenStr, purposeSession)
	if err != nil {
		return Principal{}, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil || !claims.Role.Valid() {
		return Principal{}, apperr.Unauthenticated("invalid token")
	}
	p := Principal{AccountID: id, Email: claims.Email, Role: claims.Role, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueState signs a short-lived OAuth state value bound to nonce.
func (t *TokenIssuer) IssueState(nonce string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purposeOAuthState,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// VerifyState checks a state value produced by IssueState.
func (t *TokenIssuer) VerifyState(state string) error {
	_, err := t.parse(state, purposeOAuthState)
	return err
}

func (t *TokenIssuer) parse(tokenStr, purpose string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	if claims.Purpose != purpose {
		return nil, apperr.Unauthenticated("token has wrong purpose")
	}
	return claims, nil
}
