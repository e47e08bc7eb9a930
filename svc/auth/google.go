package auth

import (
	"context"
	"strings"

	"clipsync/pkg/domain"

	"github.com/pkg/errors"
	"google.golang.org/api/idtoken"
)

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// TokenValidator is satisfied by *idtoken.Validator.
type TokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

type GoogleVerifier struct {
	v        TokenValidator
	clientID string
}

func NewGoogleVerifier(ctx context.Context, clientID string) (*GoogleVerifier, error) {
	v, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create id token validator")
	}
	return NewGoogleVerifierWith(v, clientID), nil
}

func NewGoogleVerifierWith(v TokenValidator, clientID string) *GoogleVerifier {
	return &GoogleVerifier{v: v, clientID: clientID}
}

// Verify checks signature, expiry and audience, then the issuer. Every
// failure collapses into domain.ErrUnauthorized with the cause attached for
// logging.
func (g *GoogleVerifier) Verify(ctx context.Context, idToken string) (*domain.Identity, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, domain.ErrUnauthorized
	}
	p, err := g.v.Validate(ctx, idToken, g.clientID)
	if err != nil {
		return nil, &VerifyError{Reason: err.Error()}
	}
	if !googleIssuers[p.Issuer] {
		return nil, &VerifyError{Reason: "unexpected issuer " + p.Issuer}
	}
	if p.Subject == "" {
		return nil, &VerifyError{Reason: "missing subject"}
	}
	id := &domain.Identity{
		Subject: p.Subject,
		Email:   claimString(p.Claims, "email"),
		Name:    claimString(p.Claims, "name"),
		Picture: claimString(p.Claims, "picture"),
	}
	if id.Name == "" {
		id.Name = id.Email
	}
	return id, nil
}

// VerifyError reports why a credential was refused. It classifies as 401.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "google token rejected: " + e.Reason }
func (e *VerifyError) Cause() error  { return domain.ErrUnauthorized }
func (e *VerifyError) Unwrap() error { return domain.ErrUnauthorized }

func claimString(claims map[string]interface{}, key string) string {
	if claims == nil {
		return ""
	}
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}
