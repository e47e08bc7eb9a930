package auth

import (
	"strings"
	"time"

	"clipsync/pkg/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	TokenType   = "Bearer"
	clockLeeway = 30 * time.Second
	minKeyLen   = 32
)

type SessionClaims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and parses the HS256 bearer tokens handed to the browser
// after a Google sign-in.
type Sessions struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewSessions(key []byte, issuer, audience string, ttl time.Duration) (*Sessions, error) {
	if len(key) < minKeyLen {
		return nil, errors.New("session signing key must be at least 32 bytes")
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("session issuer and audience are required")
	}
	if ttl <= 0 {
		return nil, errors.New("session lifetime must be positive")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sessions{key: k, issuer: issuer, audience: audience, ttl: ttl, now: time.Now}, nil
}

func (s *Sessions) Issue(id *domain.Identity) (string, int64, error) {
	if id == nil || id.Subject == "" {
		return "", 0, errors.New("identity subject is required")
	}
	now := s.now().UTC()
	claims := SessionClaims{
		Name:    id.Name,
		Email:   id.Email,
		Picture: id.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.Subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", 0, errors.Wrap(err, "sign session token")
	}
	return signed, int64(s.ttl / time.Second), nil
}

func (s *Sessions) Parse(raw string) (*domain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.ErrUnauthorized
	}
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Wrap(domain.ErrUnauthorized, mapJWTError(err))
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.Wrap(domain.ErrUnauthorized, "invalid session claims")
	}
	return &domain.Principal{
		UserID:    claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		Picture:   claims.Picture,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenID:   claims.ID,
	}, nil
}

func mapJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "session token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "session token not valid yet"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "session token audience mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "session token issuer mismatch"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "session token signature invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "session token malformed"
	default:
		return "session token invalid"
	}
}
