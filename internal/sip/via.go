package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Via is one parsed entry of the Via list. The top entry of an inbound
// request is the one rewritten by the NAT fixup.
type Via struct {
	ProtocolName    string // SIP
	ProtocolVersion string // 2.0
	Transport       string // UDP
	Host            string
	Port            int
	Params          HeaderParams
}

// ParseVia parses a single Via value, e.g.
// "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK...;rport".
func ParseVia(s string, v *Via) error {
	s = strings.TrimSpace(s)

	ind := strings.IndexByte(s, '/')
	if ind < 0 {
		return fmt.Errorf("malformed protocol name in Via %q", s)
	}
	v.ProtocolName = strings.TrimSpace(s[:ind])
	s = s[ind+1:]

	ind = strings.IndexByte(s, '/')
	if ind < 0 {
		return fmt.Errorf("malformed protocol version in Via %q", s)
	}
	v.ProtocolVersion = strings.TrimSpace(s[:ind])
	s = s[ind+1:]

	ind = strings.IndexAny(s, " \t")
	if ind < 0 {
		return fmt.Errorf("malformed transport in Via %q", s)
	}
	v.Transport = strings.TrimSpace(s[:ind])
	s = strings.TrimSpace(s[ind+1:])

	hostport := s
	if ind = strings.IndexByte(s, ';'); ind >= 0 {
		hostport = strings.TrimSpace(s[:ind])
		v.Params = ParseParams(s[ind+1:], ';')
	} else {
		v.Params = NewParams()
	}

	if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 {
		port, err := strconv.Atoi(hostport[colon+1:])
		if err != nil {
			return fmt.Errorf("malformed port in Via %q: %w", s, err)
		}
		v.Port = port
		v.Host = hostport[:colon]
	} else {
		v.Host = hostport
	}
	if v.Host == "" {
		return fmt.Errorf("via has no host")
	}
	return nil
}

func (v *Via) String() string {
	var b strings.Builder
	b.WriteString(v.ProtocolName)
	b.WriteString("/")
	b.WriteString(v.ProtocolVersion)
	b.WriteString("/")
	b.WriteString(v.Transport)
	b.WriteString(" ")
	b.WriteString(v.Host)
	if v.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(v.Port))
	}
	if len(v.Params) > 0 {
		b.WriteString(";")
		v.Params.ToStringWrite(';', &b)
	}
	return b.String()
}

// Branch returns the branch param of this Via entry.
func (v *Via) Branch() string {
	branch, _ := v.Params.Get("branch")
	return branch
}

// SentBy returns the host:port the peer claims it sent from, before any
// received/rport correction.
func (v *Via) SentBy() string {
	port := v.Port
	if port == 0 {
		port = DefaultPort
	}
	return HostPort(v.Host, port)
}
