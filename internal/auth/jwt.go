package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	maxJWTLen = 16 * 1024
	// base64url-no-pad length of a 32-byte HMAC-SHA256.
	hs256SigB64Len = 43
)

// Claims are the registered claims the rendezvous service understands. Other
// claims are ignored.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	NotBefore time.Time
}

// JWTVerifier accepts compact HS256 tokens carrying an exp claim.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Parse(token)
	return err
}

// Parse verifies token and returns its claims.
func (v JWTVerifier) Parse(token string) (Claims, error) {
	if len(v.secret) == 0 || token == "" || len(token) > maxJWTLen {
		return Claims{}, ErrInvalidCredentials
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || len(parts[2]) != hs256SigB64Len {
		return Claims{}, ErrInvalidCredentials
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}

	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidCredentials
	}

	var raw struct {
		Sub *string      `json:"sub"`
		Exp *json.Number `json:"exp"`
		Nbf *json.Number `json:"nbf"`
	}
	if err := decodeSegment(parts[1], &raw); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	if raw.Exp == nil {
		return Claims{}, ErrInvalidCredentials
	}

	now := v.now()
	var claims Claims
	exp, err := raw.Exp.Int64()
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	claims.ExpiresAt = time.Unix(exp, 0)
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, ErrInvalidCredentials
	}
	if raw.Nbf != nil {
		nbf, err := raw.Nbf.Int64()
		if err != nil {
			return Claims{}, ErrInvalidCredentials
		}
		claims.NotBefore = time.Unix(nbf, 0)
		if now.Before(claims.NotBefore) {
			return Claims{}, ErrInvalidCredentials
		}
	}
	if raw.Sub != nil {
		claims.Subject = *raw.Sub
	}
	return claims, nil
}

// decodeSegment decodes one base64url JSON segment; the segment must hold
// exactly one JSON object.
func decodeSegment(seg string, v any) error {
	data, err := base64.RawURLEncoding.Strict().DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
