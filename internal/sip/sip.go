// Package sip implements the minimal SIP surface the gateway speaks over UDP:
// a message model with generic headers, a datagram codec, and the token
// generators dialogs are built from.
package sip

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
)

const (
	DefaultPort = 5060

	// RFC3261BranchMagicCookie marks an RFC 3261 compliant branch token.
	RFC3261BranchMagicCookie = "z9hG4bK"
)

// RandHex returns n random lowercase hex characters.
func RandHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}

// GenerateBranch returns a random per-transaction branch token.
func GenerateBranch() string {
	return RFC3261BranchMagicCookie + RandHex(32)
}

// GenerateTag returns a random dialog tag.
func GenerateTag() string {
	return RandHex(16)
}

// GenerateCallID returns a new call identifier scoped to the advertised host.
func GenerateCallID(host string) string {
	return RandHex(32) + "@" + host
}

var statusText = map[StatusCode]string{
	StatusTrying:             "Trying",
	StatusRinging:            "Ringing",
	StatusOK:                 "OK",
	StatusRequestTimeout:     "Request Timeout",
	StatusTemporarilyUnavail: "Temporarily Unavailable",
	StatusRequestTerminated:  "Request Terminated",
	StatusInternalError:      "Internal Server Error",
	StatusNotImplemented:     "Not Implemented",
	StatusServiceUnavailable: "Service Unavailable",
	StatusDecline:            "Decline",
}

// StatusText returns the canonical reason phrase for a status code.
// Internal error text never crosses the wire; unknown codes fall back to
// a class phrase.
func StatusText(code StatusCode) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	switch {
	case code < 200:
		return "Provisional"
	case code < 300:
		return "OK"
	case code < 400:
		return "Redirection"
	case code < 500:
		return "Client Error"
	case code < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// HostPort joins host and port the way addresses travel through the stack.
func HostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
