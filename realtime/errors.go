package realtime

import (
	"errors"
	"strings"
)

// ErrNoPath is returned by Emit when there is neither an open socket
// nor a reachable leader to relay through. This is an environment
// failure, not a connectivity blip, and is surfaced to the user.
var ErrNoPath = errors.New("realtime: no send path available")

// ErrLoggedOut is returned by Connect when the session is not logged
// in; a connection should not exist at all in that state.
var ErrLoggedOut = errors.New("realtime: not logged in")

// ErrorClass buckets connection failures into the three recovery
// strategies.
type ErrorClass int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassCredential failures trigger a token refresh, then either a
	// reconnect or a logout.
	ClassCredential
	// ClassBlocked failures terminate the session without retry.
	ClassBlocked
)

var credentialMarkers = []string{
	"token expired",
	"jwt expired",
	"missing token",
	"invalid token",
	"unauthorized",
	"credential",
}

var blockedMarkers = []string{
	"blocked",
	"forbidden",
	"banned",
	"account disabled",
}

// Classify buckets a connection error by its message. The server does
// not speak a structured error protocol on the socket, so message
// matching is the contract.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, m := range credentialMarkers {
		if strings.Contains(msg, m) {
			return ClassCredential
		}
	}
	for _, m := range blockedMarkers {
		if strings.Contains(msg, m) {
			return ClassBlocked
		}
	}
	return ClassTransient
}
