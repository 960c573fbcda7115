package auth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		mode    config.AuthMode
		url     string
		headers map[string]string
		want    string
		wantErr error
	}{
		{"jwt bearer header", config.AuthModeJWT, "http://example.com", map[string]string{"Authorization": "Bearer t"}, "t", nil},
		{"api_key X-API-Key header", config.AuthModeAPIKey, "http://example.com", map[string]string{"X-API-Key": "k"}, "k", nil},
		{"api_key ApiKey header", config.AuthModeAPIKey, "http://example.com", map[string]string{"Authorization": "ApiKey k"}, "k", nil},
		{"header wins over query", config.AuthModeAPIKey, "http://example.com/?apiKey=q", map[string]string{"X-API-Key": "h"}, "h", nil},
		{"api_key query", config.AuthModeAPIKey, "http://example.com/?apiKey=q", nil, "q", nil},
		{"jwt query", config.AuthModeJWT, "http://example.com/?token=q", nil, "q", nil},
		{"jwt ignores apiKey query", config.AuthModeJWT, "http://example.com/?apiKey=q", nil, "", ErrMissingCredentials},
		{"unknown scheme", config.AuthModeJWT, "http://example.com", map[string]string{"Authorization": "Basic abc"}, "", ErrMissingCredentials},
		{"nothing", config.AuthModeAPIKey, "http://example.com", nil, "", ErrMissingCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tc.url, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			got, err := CredentialFromRequest(tc.mode, req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("cred=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := v.Verify("k"); err != nil {
		t.Fatalf("Verify(k): %v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(nope)=%v, want %v", err, ErrInvalidCredentials)
	}

	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone}); err == nil {
		t.Fatalf("expected error for AUTH_MODE=none")
	}
}
