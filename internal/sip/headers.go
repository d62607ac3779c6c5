package sip

import (
	"io"
	"strings"
)

// Header is a single message header. Name is kept in canonical
// capitalization; lookups are case-insensitive.
type Header struct {
	Name  string
	Value string
}

func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// compactForms maps RFC 3261 compact header names to their long forms.
var compactForms = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
	"k": "Supported",
}

// canonicalNames overrides the default dash-segment title casing for headers
// whose well-known capitalization does not follow it.
var canonicalNames = map[string]string{
	"call-id": "Call-ID",
	"cseq":    "CSeq",
}

// CanonicalHeaderName normalizes a header name: compact forms expand to the
// long name, everything else gets canonical capitalization.
func CanonicalHeaderName(name string) string {
	if long, ok := compactForms[ASCIIToLower(name)]; ok {
		return long
	}
	lower := ASCIIToLower(name)
	if canonical, ok := canonicalNames[lower]; ok {
		return canonical
	}
	// Title-case each dash separated segment, like Record-Route.
	var b strings.Builder
	b.Grow(len(name))
	upper := true
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if upper && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = c == '-'
		b.WriteByte(c)
	}
	return b.String()
}

// headers holds message headers in order of appearance.
type headers struct {
	headerOrder []Header
}

// Headers returns all headers in order.
func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

// GetHeader returns the first header value with the given name.
func (hs *headers) GetHeader(name string) (string, bool) {
	name = CanonicalHeaderName(name)
	for _, h := range hs.headerOrder {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// GetHeaders returns all values for the given name, in order. Via is the one
// header the gateway treats as intrinsically multi-valued.
func (hs *headers) GetHeaders(name string) []string {
	name = CanonicalHeaderName(name)
	var vals []string
	for _, h := range hs.headerOrder {
		if h.Name == name {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// AppendHeader appends a header at the end.
func (hs *headers) AppendHeader(name, value string) {
	hs.headerOrder = append(hs.headerOrder, Header{Name: CanonicalHeaderName(name), Value: value})
}

// PrependHeader puts a header in front of all others.
func (hs *headers) PrependHeader(name, value string) {
	hs.headerOrder = append([]Header{{Name: CanonicalHeaderName(name), Value: value}}, hs.headerOrder...)
}

// ReplaceHeader replaces the first occurrence, appending if missing. For Via
// this rewrites the top entry only.
func (hs *headers) ReplaceHeader(name, value string) {
	name = CanonicalHeaderName(name)
	for i, h := range hs.headerOrder {
		if h.Name == name {
			hs.headerOrder[i].Value = value
			return
		}
	}
	hs.headerOrder = append(hs.headerOrder, Header{Name: name, Value: value})
}

// RemoveHeader removes all occurrences of the given name.
func (hs *headers) RemoveHeader(name string) {
	name = CanonicalHeaderName(name)
	keep := hs.headerOrder[:0]
	for _, h := range hs.headerOrder {
		if h.Name != name {
			keep = append(keep, h)
		}
	}
	hs.headerOrder = keep
}

// HasHeader checks presence without fetching the value.
func (hs *headers) HasHeader(name string) bool {
	_, ok := hs.GetHeader(name)
	return ok
}

// StringWrite serializes headers with CRLF terminators, one Via per line.
func (hs *headers) StringWrite(w io.StringWriter) {
	for _, h := range hs.headerOrder {
		w.WriteString(h.Name)
		w.WriteString(": ")
		w.WriteString(h.Value)
		w.WriteString("\r\n")
	}
}

func (hs *headers) clone() headers {
	order := make([]Header, len(hs.headerOrder))
	copy(order, hs.headerOrder)
	return headers{headerOrder: order}
}

// CopyHeaders copies all headers with the given name from src to dst,
// preserving order.
func CopyHeaders(name string, src, dst Message) {
	for _, v := range src.GetHeaders(name) {
		dst.AppendHeader(name, v)
	}
}

// ASCIIToLower lowercases without touching non-ASCII bytes. Faster than
// strings.ToLower for header names, which are plain ASCII.
func ASCIIToLower(s string) string {
	nonLow := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			nonLow = i
			break
		}
	}
	if nonLow < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:nonLow])
	for i := nonLow; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
