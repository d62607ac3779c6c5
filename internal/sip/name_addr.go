package sip

import (
	"fmt"
	"strings"
)

// NameAddr is a From/To/Contact style header value: an optional display name,
// a URI, and header params (most importantly the dialog tag).
type NameAddr struct {
	DisplayName string
	Uri         Uri
	Params      HeaderParams
}

// ParseNameAddr parses `"Display" <sip:user@host>;tag=...` as well as the
// addr-spec short form `sip:user@host;tag=...`.
func ParseNameAddr(s string, na *NameAddr) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty address header")
	}
	na.Params = NewParams()

	if strings.HasPrefix(s, "\"") {
		end := strings.Index(s[1:], "\"")
		if end < 0 {
			return fmt.Errorf("unterminated display name in %q", s)
		}
		na.DisplayName = s[1 : end+1]
		s = strings.TrimSpace(s[end+2:])
	}

	if open := strings.IndexByte(s, '<'); open >= 0 {
		closing := strings.IndexByte(s, '>')
		if closing < open {
			return fmt.Errorf("unterminated angle bracket in %q", s)
		}
		if na.DisplayName == "" {
			na.DisplayName = strings.TrimSpace(s[:open])
		}
		if err := ParseUri(s[open+1:closing], &na.Uri); err != nil {
			return err
		}
		rest := strings.TrimSpace(s[closing+1:])
		if strings.HasPrefix(rest, ";") {
			na.Params = ParseParams(rest[1:], ';')
		}
		return nil
	}

	// addr-spec form: header params follow the last semicolon group. The tag
	// lives on the header, not the URI, for this form.
	if ind := strings.IndexByte(s, ';'); ind >= 0 {
		na.Params = ParseParams(s[ind+1:], ';')
		s = s[:ind]
	}
	return ParseUri(s, &na.Uri)
}

func (na *NameAddr) String() string {
	var b strings.Builder
	if na.DisplayName != "" {
		b.WriteString("\"")
		b.WriteString(na.DisplayName)
		b.WriteString("\" ")
	}
	b.WriteString("<")
	na.Uri.StringWrite(&b)
	b.WriteString(">")
	if len(na.Params) > 0 {
		b.WriteString(";")
		na.Params.ToStringWrite(';', &b)
	}
	return b.String()
}

// Tag returns the dialog tag param, empty when untagged.
func (na *NameAddr) Tag() string {
	tag, _ := na.Params.Get("tag")
	return tag
}

// SetTag sets the dialog tag param in place.
func (na *NameAddr) SetTag(tag string) {
	na.Params.Add("tag", tag)
}

// Clone returns a detached copy.
func (na *NameAddr) Clone() NameAddr {
	c := *na
	c.Uri = na.Uri.Clone()
	c.Params = na.Params.Clone()
	return c
}
