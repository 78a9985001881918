package security

import (
	"errors"
	"time"

	"gearhouse-backend/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrWrongTokenType = errors.New("wrong token type for this endpoint")
)

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
	TokenTypeLink   TokenType = "verification_link"
)

const (
	audienceAPI  = "api-access"
	audienceLink = "receiver-verification"
)

// ActorClaims carries the identity resolved by the identity service.
type ActorClaims struct {
	UserID string      `json:"user_id"`
	OrgID  string      `json:"org_id"`
	Role   domain.Role `json:"role"`
	Type   TokenType   `json:"type"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the domain caller.
func (c *ActorClaims) Actor() (domain.Actor, error) {
	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return domain.Actor{}, ErrInvalidToken
	}
	orgID, err := uuid.Parse(c.OrgID)
	if err != nil {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{UserID: userID, OrgID: orgID, Role: c.Role}, nil
}

// LinkClaims identify an async receiver verification session. The JWT id
// is the single-use token id stored on the session.
type LinkClaims struct {
	SessionID string    `json:"session_id"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

type TokenManager interface {
	GenerateAccessToken(actor domain.Actor) (string, error)
	ValidateToken(tokenString string) (*ActorClaims, error)
	GenerateLinkToken(sessionID, tokenID uuid.UUID, expiresAt time.Time) (string, error)
	ParseLinkToken(tokenString string) (sessionID, tokenID uuid.UUID, err error)
}

type tokenManager struct {
	secret       []byte
	issuer       string
	accessExpiry time.Duration
	now          func() time.Time
}

func NewTokenManager(secret, issuer string, accessExpiry time.Duration, now func() time.Time) TokenManager {
	if now == nil {
		now = time.Now
	}
	return &tokenManager{
		secret:       []byte(secret),
		issuer:       issuer,
		accessExpiry: accessExpiry,
		now:          now,
	}
}

func (m *tokenManager) GenerateAccessToken(actor domain.Actor) (string, error) {
	now := m.now()
	claims := ActorClaims{
		UserID: actor.UserID.String(),
		OrgID:  actor.OrgID.String(),
		Role:   actor.Role,
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{audienceAPI},
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *tokenManager) ValidateToken(tokenString string) (*ActorClaims, error) {
	claims := &ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc,
		jwt.WithTimeFunc(m.now),
		jwt.WithAudience(audienceAPI),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (m *tokenManager) GenerateLinkToken(sessionID, tokenID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := LinkClaims{
		SessionID: sessionID.String(),
		Type:      TokenTypeLink,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{audienceLink},
			ID:        tokenID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ParseLinkToken checks the signature only. Expiry and single use are
// decided against the stored session so an expired link can still be
// traced back to it and marked expired.
func (m *tokenManager) ParseLinkToken(tokenString string) (uuid.UUID, uuid.UUID, error) {
	claims := &LinkClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc,
		jwt.WithoutClaimsValidation(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeLink {
		return uuid.Nil, uuid.Nil, ErrWrongTokenType
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	return sessionID, tokenID, nil
}

func (m *tokenManager) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrInvalidToken
	}
	return m.secret, nil
}
