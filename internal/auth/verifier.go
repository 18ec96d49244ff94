package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"google.golang.org/api/idtoken"
)

// ValidateFunc validates an ID token against an audience and returns its
// payload. It matches the signature of idtoken.Validate so tests can inject a
// stub without reaching Google's certificate endpoint.
type ValidateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// TokenVerifier checks a bearer token against the configured OAuth2 client ID
// (audience) via Google's ID token validation.
//
// A non-empty DevToken short-circuits verification: a token equal to it is
// accepted unconditionally. Gating that behavior to non-production
// deployments is the surrounding configuration's concern, not this type's.
type TokenVerifier struct {
	devToken string
	audience string
	validate ValidateFunc
	log      *slog.Logger
}

// NewTokenVerifier builds a TokenVerifier. At least one of devToken and
// audience must be set, otherwise no credential could ever be accepted.
func NewTokenVerifier(devToken, audience string, logger *slog.Logger) (*TokenVerifier, error) {
	if devToken == "" && audience == "" {
		return nil, errors.New("auth: neither dev token nor oauth client id configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenVerifier{
		devToken: devToken,
		audience: audience,
		validate: idtoken.Validate,
		log:      logger,
	}, nil
}

// WithValidateFunc overrides the ID token validation call. Intended for tests.
func (v *TokenVerifier) WithValidateFunc(fn ValidateFunc) *TokenVerifier {
	v.validate = fn
	return v
}

func (v *TokenVerifier) Verify(ctx context.Context, token string) error {
	if v.devToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.devToken)) == 1 {
		v.log.Info("dev token accepted, skipping identity verification")
		return nil
	}

	if v.audience == "" {
		v.log.Error("oauth client id is not configured, rejecting non-dev token")
		return ErrInvalidCredentials
	}

	payload, err := v.validate(ctx, token, v.audience)
	if err != nil {
		v.log.Info("identity verification failed", "err", err)
		return ErrInvalidCredentials
	}

	v.log.Info("user verified",
		"subject", payload.Subject,
		"email", payload.Claims["email"],
		"name", payload.Claims["name"],
	)
	return nil
}
