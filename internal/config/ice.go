package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// ICE servers handed to rendezvous clients by GET /webrtc/ice come from one
// JSON document or, when that is unset, from the STUN/TURN convenience
// settings.
const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var (
	ErrTURNCredentialsRequired = errors.New("turn urls need a username and credential unless " + envVarTURNRESTSharedSecret + " is set")
	errNoURLs                  = errors.New("no urls")
)

// ICESettingError names the setting, and for AERO_ICE_SERVERS_JSON the entry,
// that made the ICE server list invalid.
type ICESettingError struct {
	Env   string
	Index int // -1 unless Env is AERO_ICE_SERVERS_JSON
	Err   error
}

func (e *ICESettingError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %v", e.Env, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Env, e.Err)
}

func (e *ICESettingError) Unwrap() error { return e.Err }

// iceSettings are the ICE values after env and flag merging.
type iceSettings struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	// TURN credentials are minted per request, so static ones are optional.
	turnREST bool
}

// servers builds the list served to clients. It returns nil when nothing is
// configured.
func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		return s.fromJSON(raw)
	}

	var out []webrtc.ICEServer
	if urls := splitCommaSeparated(s.stunURLs); len(urls) > 0 {
		for _, u := range urls {
			turn, err := iceURLIsTURN(u)
			if err == nil && turn {
				err = fmt.Errorf("%q is a TURN url; list it in %s", u, envTurnURLs)
			}
			if err != nil {
				return nil, &ICESettingError{Env: envStunURLs, Index: -1, Err: err}
			}
		}
		out = append(out, webrtc.ICEServer{URLs: urls})
	}

	if urls := splitCommaSeparated(s.turnURLs); len(urls) > 0 {
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(s.turnUsername),
		}
		if cred := strings.TrimSpace(s.turnCredential); cred != "" {
			server.Credential = cred
		}
		for _, u := range urls {
			turn, err := iceURLIsTURN(u)
			if err == nil && !turn {
				err = fmt.Errorf("%q is a STUN url; list it in %s", u, envStunURLs)
			}
			if err != nil {
				return nil, &ICESettingError{Env: envTurnURLs, Index: -1, Err: err}
			}
		}
		if !s.turnREST && !hasStaticCredentials(server) {
			return nil, &ICESettingError{
				Env:   envTurnURLs,
				Index: -1,
				Err:   fmt.Errorf("%w (set %s and %s)", ErrTURNCredentialsRequired, envTurnUsername, envTurnCredential),
			}
		}
		out = append(out, server)
	}
	return out, nil
}

type iceServerJSON struct {
	URLs       stringOrStrings `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

// stringOrStrings accepts both forms RTCIceServer.urls allows.
type stringOrStrings []string

func (s *stringOrStrings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*s = many
	return nil
}

func (s iceSettings) fromJSON(raw string) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var entries []iceServerJSON
	if err := dec.Decode(&entries); err != nil {
		return nil, &ICESettingError{Env: envICEServersJSON, Index: -1, Err: err}
	}

	var out []webrtc.ICEServer
	for i, entry := range entries {
		server, err := s.fromJSONEntry(entry)
		if err != nil {
			return nil, &ICESettingError{Env: envICEServersJSON, Index: i, Err: err}
		}
		out = append(out, server)
	}
	return out, nil
}

func (s iceSettings) fromJSONEntry(entry iceServerJSON) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(entry.Username)}
	if cred := strings.TrimSpace(entry.Credential); cred != "" {
		server.Credential = entry.Credential
	}

	needsCredentials := false
	for _, u := range entry.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		turn, err := iceURLIsTURN(u)
		if err != nil {
			return webrtc.ICEServer{}, err
		}
		needsCredentials = needsCredentials || turn
		server.URLs = append(server.URLs, u)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, errNoURLs
	}
	if needsCredentials && !s.turnREST && !hasStaticCredentials(server) {
		return webrtc.ICEServer{}, ErrTURNCredentialsRequired
	}
	return server, nil
}

// iceURLIsTURN parses a STUN/TURN URI (RFC 7064, RFC 7065) and reports
// whether it names a TURN server.
func iceURLIsTURN(raw string) (bool, error) {
	u, err := stun.ParseURI(raw)
	if err != nil {
		return false, fmt.Errorf("url %q: %w", raw, err)
	}
	switch u.Scheme {
	case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
		return true, nil
	case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
		return false, nil
	default:
		return false, fmt.Errorf("url %q: unsupported scheme", raw)
	}
}

func hasStaticCredentials(server webrtc.ICEServer) bool {
	cred, _ := server.Credential.(string)
	return server.Username != "" && strings.TrimSpace(cred) != ""
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
