package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is the structured failure the codec hands back on malformed
// input. The caller logs it and drops the datagram.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return "parse error: " + e.Reason
	}
	return fmt.Sprintf("parse error: %s: %q", e.Reason, e.Line)
}

func parseErrorf(line, format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...), Line: line}
}

// ParseMessage parses a full datagram into a Request or Response. The codec
// is total: any malformed input yields a *ParseError, never a panic.
func ParseMessage(data []byte) (Message, error) {
	text := string(data)

	headerEnd := strings.Index(text, "\r\n\r\n")
	var headerPart, body string
	if headerEnd >= 0 {
		headerPart = text[:headerEnd]
		body = text[headerEnd+4:]
	} else {
		// Tolerate a missing trailing blank line on bodyless datagrams.
		headerPart = strings.TrimSuffix(text, "\r\n")
	}

	lines := strings.Split(headerPart, "\r\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, &ParseError{Reason: "empty message"}
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	// Fold continuation lines: a line starting with space or tab extends the
	// previous header's value.
	folded := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(folded) == 0 {
				return nil, parseErrorf(line, "continuation line with no preceding header")
			}
			folded[len(folded)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		folded = append(folded, line)
	}

	for _, line := range folded {
		if err := parseHeaderLine(msg, line); err != nil {
			return nil, err
		}
	}

	if len(strings.TrimRight(body, "\x00")) > 0 {
		msg.SetBody(strings.TrimRight(body, "\x00"))
	}
	return msg, nil
}

func parseStartLine(line string) (Message, error) {
	if strings.HasPrefix(line, "SIP/") {
		return parseStatusLine(line)
	}
	return parseRequestLine(line)
}

// parseRequestLine parses "INVITE sip:bob@example.com SIP/2.0".
func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, parseErrorf(line, "request line should have 2 spaces")
	}
	if !strings.HasPrefix(parts[2], "SIP/") {
		return nil, parseErrorf(line, "not a SIP request")
	}

	var recipient Uri
	if err := ParseUri(parts[1], &recipient); err != nil {
		return nil, parseErrorf(line, "malformed request uri: %v", err)
	}

	req := NewRequest(RequestMethod(strings.ToUpper(parts[0])), recipient)
	req.SipVersion = parts[2]
	return req, nil
}

// parseStatusLine parses "SIP/2.0 200 OK".
func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, parseErrorf(line, "status line has too few spaces")
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, parseErrorf(line, "malformed status code: %v", err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	res := NewResponse(StatusCode(code), reason)
	res.SipVersion = parts[0]
	return res, nil
}

func parseHeaderLine(msg Message, line string) error {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return parseErrorf(line, "header field with no colon")
	}
	name := CanonicalHeaderName(strings.TrimSpace(line[:colon]))
	value := strings.TrimSpace(line[colon+1:])

	// Via may carry a comma separated list; it is kept as an ordered list of
	// separate entries. Other headers keep their value as-is.
	if name == "Via" {
		for _, v := range splitViaList(value) {
			msg.AppendHeader(name, v)
		}
		return nil
	}

	msg.AppendHeader(name, value)
	return nil
}

// splitViaList splits a comma separated Via value, leaving quoted sections
// intact.
func splitViaList(value string) []string {
	var out []string
	depth := false // inside double quotes
	start := 0
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			depth = !depth
		case ',':
			if !depth {
				out = append(out, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(value[start:]))
	return out
}
