package signaling

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

// Authorizer decides whether a signaling request (or WebSocket upgrade) may
// proceed.
type Authorizer interface {
	Authorize(r *http.Request) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request) error { return nil }

// AuthAuthorizer enforces AUTH_MODE=api_key|jwt. Credentials come from headers,
// falling back to the apiKey/token query parameter for WebSocket clients.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

// NewAuthorizer returns the authorizer for cfg.AuthMode.
func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone || cfg.AuthMode == "" {
		return AllowAllAuthorizer{}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request) error {
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}
	cred, err := auth.CredentialFromRequest(a.mode, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}
