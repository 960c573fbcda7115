package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedJWT     = errors.New("unsupported jwt")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the client credential for mode. Headers are
// preferred (Authorization: Bearer/ApiKey, X-API-Key); the apiKey/token query
// parameters are a fallback for browser WebSocket clients, which cannot set
// headers.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingCredentials
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		scheme, cred, ok := strings.Cut(v, " ")
		cred = strings.TrimSpace(cred)
		if ok && cred != "" && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "ApiKey")) {
			return cred, nil
		}
	}

	q := r.URL.Query()
	switch mode {
	case config.AuthModeAPIKey:
		if v := q.Get("apiKey"); v != "" {
			return v, nil
		}
	case config.AuthModeJWT:
		if v := q.Get("token"); v != "" {
			return v, nil
		}
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	return "", ErrMissingCredentials
}

// IsUnauthorized reports whether err is a client credential problem rather than
// a server configuration error.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUnsupportedJWT)
}
