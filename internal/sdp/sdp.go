// Package sdp wraps a raw SDP body with the minimal validation and
// setup-role rewriting the bridge needs. It deliberately knows nothing
// about the rest of an SDP's structure.
package sdp

import (
	"errors"
	"strings"
)

// ErrInvalid is returned by Parse when the body fails validation.
var ErrInvalid = errors.New("invalid sdp")

const (
	setupActPass = "a=setup:actpass"
	setupActive  = "a=setup:active"
	setupPassive = "a=setup:passive"
)

// SessionDescription is an immutable, validated SDP body.
type SessionDescription struct {
	body string
}

// Parse validates s and returns a SessionDescription.
//
// A valid body is non-empty once trimmed, starts with "v=0", and
// contains either "a=sendonly" or "a=recvonly".
func Parse(s string) (SessionDescription, error) {
	if strings.TrimSpace(s) == "" {
		return SessionDescription{}, ErrInvalid
	}
	if !strings.HasPrefix(s, "v=0") {
		return SessionDescription{}, ErrInvalid
	}
	if !strings.Contains(s, "a=sendonly") && !strings.Contains(s, "a=recvonly") {
		return SessionDescription{}, ErrInvalid
	}
	return SessionDescription{body: s}, nil
}

// IsZero reports whether this is the zero value (never parsed).
func (s SessionDescription) IsZero() bool {
	return s.body == ""
}

// String returns the raw SDP body.
func (s SessionDescription) String() string {
	return s.body
}

// IsSendOnly reports whether the SDP carries "a=sendonly".
func (s SessionDescription) IsSendOnly() bool {
	return strings.Contains(s.body, "a=sendonly")
}

// IsRecvOnly reports whether the SDP carries "a=recvonly".
func (s SessionDescription) IsRecvOnly() bool {
	return strings.Contains(s.body, "a=recvonly")
}

// SetActive replaces the first "a=setup:actpass" with "a=setup:active".
// If the token is absent the body is returned unchanged.
func (s SessionDescription) SetActive() SessionDescription {
	return s.replaceSetup(setupActive)
}

// SetPassive replaces the first "a=setup:actpass" with "a=setup:passive".
func (s SessionDescription) SetPassive() SessionDescription {
	return s.replaceSetup(setupPassive)
}

func (s SessionDescription) replaceSetup(role string) SessionDescription {
	return SessionDescription{body: strings.Replace(s.body, setupActPass, role, 1)}
}
