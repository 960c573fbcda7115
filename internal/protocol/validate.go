package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidOffer     = errors.New("protocol: invalid offer")
	ErrInvalidAnswer    = errors.New("protocol: invalid answer")
	ErrInvalidCandidate = errors.New("protocol: invalid candidate")
)

// ValidateOffer checks that payload is an RTCSessionDescriptionInit of type
// "offer" with a parseable SDP body. A bare string is accepted as the SDP.
func ValidateOffer(payload any) error {
	if err := validateDescription(payload, webrtc.SDPTypeOffer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	return nil
}

// ValidateAnswer is ValidateOffer for answers (and pranswers).
func ValidateAnswer(payload any) error {
	if err := validateDescription(payload, webrtc.SDPTypeAnswer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	return nil
}

// ValidateCandidate checks that payload is an RTCIceCandidateInit (or a bare
// candidate string) whose candidate line parses. An empty candidate string is
// the end-of-candidates marker and is accepted.
func ValidateCandidate(payload any) error {
	if err := validateCandidate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}

func validateDescription(payload any, want webrtc.SDPType) error {
	var raw string
	switch v := payload.(type) {
	case string:
		raw = v
	default:
		var desc webrtc.SessionDescription
		if err := remarshal(payload, &desc); err != nil {
			return err
		}
		ok := desc.Type == want || (want == webrtc.SDPTypeAnswer && desc.Type == webrtc.SDPTypePranswer)
		if !ok {
			return fmt.Errorf("sdp type %q", desc.Type.String())
		}
		raw = desc.SDP
	}
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty sdp")
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return err
	}
	return nil
}

func validateCandidate(payload any) error {
	var line string
	switch v := payload.(type) {
	case string:
		line = v
	default:
		var init webrtc.ICECandidateInit
		if err := remarshal(payload, &init); err != nil {
			return err
		}
		line = init.Candidate
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	_, err := ice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:"))
	return err
}

// remarshal converts a decoded opaque payload (maps from either codec) into a
// typed struct.
func remarshal(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
