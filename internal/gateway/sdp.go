package gateway

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// validateSDP applies the minimum bar every SDP crossing the gateway must
// clear: non-empty, a v= first line, at least one audio or video media line.
func validateSDP(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("empty sdp")
	}
	first, _, _ := strings.Cut(s, "\n")
	if !strings.HasPrefix(strings.TrimSpace(first), "v=") {
		return fmt.Errorf("sdp does not start with v=")
	}
	if !strings.Contains(s, "m=audio") && !strings.Contains(s, "m=video") {
		return fmt.Errorf("sdp has no audio or video media line")
	}
	return nil
}

// isHold reports whether an SDP puts the media on hold. sendonly and
// inactive both count; the attribute may sit at session or media level.
func isHold(s string) bool {
	if !strings.Contains(s, "a=sendonly") && !strings.Contains(s, "a=inactive") {
		return false
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return false
	}
	if _, ok := desc.Attribute("sendonly"); ok {
		return true
	}
	if _, ok := desc.Attribute("inactive"); ok {
		return true
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "sendonly" || a.Key == "inactive" {
				return true
			}
		}
	}
	return false
}

// stripVideo removes every m=video section from a browser answer. Telephony
// peers are audio-only; a stray video line confuses downstream devices.
func stripVideo(s string) (string, error) {
	if !strings.Contains(s, "m=video") {
		return s, nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return "", fmt.Errorf("unparseable sdp: %w", err)
	}

	kept := desc.MediaDescriptions[:0]
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			continue
		}
		kept = append(kept, m)
	}
	desc.MediaDescriptions = kept

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("reserialize sdp: %w", err)
	}
	return string(out), nil
}
