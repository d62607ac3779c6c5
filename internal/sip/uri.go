package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Uri is the subset of a SIP URI the gateway routes on: user, host, port and
// uri params. Headers after '?' are not carried.
type Uri struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Params HeaderParams
}

// ParseUri parses "sip:user@host:port;params". The scheme is optional on
// input so that bare "user@host" targets coming from the browser still route.
func ParseUri(s string, uri *Uri) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty uri")
	}

	uri.Scheme = "sip"
	if ind := strings.Index(s, ":"); ind > 0 {
		scheme := ASCIIToLower(s[:ind])
		if scheme == "sip" || scheme == "sips" {
			uri.Scheme = scheme
			s = s[ind+1:]
		}
	}

	if ind := strings.IndexByte(s, ';'); ind >= 0 {
		uri.Params = ParseParams(s[ind+1:], ';')
		s = s[:ind]
	}
	if ind := strings.IndexByte(s, '?'); ind >= 0 {
		s = s[:ind]
	}

	if at := strings.IndexByte(s, '@'); at >= 0 {
		uri.User = s[:at]
		s = s[at+1:]
	}

	if colon := strings.LastIndexByte(s, ':'); colon >= 0 {
		port, err := strconv.Atoi(s[colon+1:])
		if err != nil {
			return fmt.Errorf("malformed port in uri %q: %w", s, err)
		}
		uri.Port = port
		s = s[:colon]
	}

	uri.Host = s
	if uri.Host == "" {
		return fmt.Errorf("uri has no host")
	}
	return nil
}

func (u *Uri) String() string {
	var b strings.Builder
	u.StringWrite(&b)
	return b.String()
}

func (u *Uri) StringWrite(b *strings.Builder) {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	b.WriteString(scheme)
	b.WriteString(":")
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	if len(u.Params) > 0 {
		b.WriteString(";")
		u.Params.ToStringWrite(';', b)
	}
}

// HostPort returns the network address this URI resolves to, applying the
// default SIP port when none is given.
func (u *Uri) HostPort() string {
	port := u.Port
	if port == 0 {
		port = DefaultPort
	}
	return HostPort(u.Host, port)
}

// Clone returns a copy with params detached.
func (u *Uri) Clone() Uri {
	c := *u
	c.Params = u.Params.Clone()
	return c
}
