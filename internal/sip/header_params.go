package sip

import (
	"io"
	"strings"
)

// HeaderKV is a single key-value param of a Via or address header.
// An empty V renders as a valueless param (;rport).
type HeaderKV struct {
	K string
	V string
}

// HeaderParams are ordered key-value params. Order is preserved so that
// rewriting a header in place keeps it byte-stable.
type HeaderParams []HeaderKV

// NewParams creates an empty set of parameters.
func NewParams() HeaderParams {
	return make(HeaderParams, 0, 4)
}

func (hp HeaderParams) index(key string) int {
	for i, kv := range hp {
		if kv.K == key {
			return i
		}
	}
	return -1
}

// Get returns a value for a given key, if it exists.
func (hp HeaderParams) Get(key string) (string, bool) {
	if i := hp.index(key); i >= 0 {
		return hp[i].V, true
	}
	return "", false
}

// Has checks whether the key exists, with or without a value.
func (hp HeaderParams) Has(key string) bool {
	return hp.index(key) >= 0
}

// Add sets a key-value. An existing key is overwritten in place.
func (hp *HeaderParams) Add(key, val string) HeaderParams {
	if i := hp.index(key); i >= 0 {
		(*hp)[i].V = val
	} else {
		*hp = append(*hp, HeaderKV{K: key, V: val})
	}
	return *hp
}

// Remove removes the key if present.
func (hp *HeaderParams) Remove(key string) HeaderParams {
	if i := hp.index(key); i >= 0 {
		*hp = append((*hp)[:i], (*hp)[i+1:]...)
	}
	return *hp
}

// Clone returns a copy of the params.
func (hp HeaderParams) Clone() HeaderParams {
	c := make(HeaderParams, len(hp))
	copy(c, hp)
	return c
}

// ToStringWrite renders params separated by sep, without a leading separator.
func (hp HeaderParams) ToStringWrite(sep byte, w io.StringWriter) {
	sepstr := string(sep)
	for i, kv := range hp {
		if i > 0 {
			w.WriteString(sepstr)
		}
		w.WriteString(kv.K)
		if kv.V != "" {
			w.WriteString("=")
			w.WriteString(kv.V)
		}
	}
}

// ToString renders params separated by sep.
func (hp HeaderParams) ToString(sep byte) string {
	var b strings.Builder
	hp.ToStringWrite(sep, &b)
	return b.String()
}

// ParseParams parses ";k=v;flag" style params starting after the first sep.
func ParseParams(s string, sep byte) HeaderParams {
	params := NewParams()
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			params.Add(part[:eq], part[eq+1:])
		} else {
			params.Add(part, "")
		}
	}
	return params
}
