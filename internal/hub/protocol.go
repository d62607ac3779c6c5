package hub

import (
	"encoding/json"
	"regexp"
)

// maxFrameSize caps a single signaling frame. Anything larger is rejected
// before parsing.
const maxFrameSize = 65536

// usernameRe is the only shape a registered identity may have.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// Frame is the JSON envelope both directions share. Field names are wire
// protocol; only the fields a given type uses are populated.
type Frame struct {
	Type     string          `json:"type"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Username string          `json:"username,omitempty"`
	CallID   string          `json:"call-id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SDP      json.RawMessage `json:"sdp,omitempty"`
	Accepted *bool           `json:"accepted,omitempty"`
	Digit    string          `json:"digit,omitempty"`
	Duration int             `json:"duration,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Message  string          `json:"message,omitempty"`
	Users    []string        `json:"users,omitempty"`
}

// sdpString renders a string SDP for the Hub→Client direction.
func sdpString(sdp string) json.RawMessage {
	out, _ := json.Marshal(sdp)
	return out
}

// flattenSDP normalizes the two shapes browsers send: a bare SDP string, or
// a serialized session description {type, sdp}. The engine only ever sees
// strings.
func flattenSDP(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var desc struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &desc); err == nil {
		return desc.SDP
	}
	return ""
}

// frameSDP picks the SDP carrier out of a frame: some clients use the sdp
// field, others tuck it into data.
func frameSDP(f *Frame) string {
	if s := flattenSDP(f.SDP); s != "" {
		return s
	}
	return flattenSDP(f.Data)
}
