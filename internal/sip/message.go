package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MessageHandler processes a parsed inbound message.
type MessageHandler func(msg Message)

// RequestMethod is a SIP method name.
type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// StatusCode - response status code: 1xx - 6xx.
type StatusCode int

const (
	INVITE   RequestMethod = "INVITE"
	ACK      RequestMethod = "ACK"
	CANCEL   RequestMethod = "CANCEL"
	BYE      RequestMethod = "BYE"
	INFO     RequestMethod = "INFO"
	OPTIONS  RequestMethod = "OPTIONS"
	REGISTER RequestMethod = "REGISTER"
)

// Status codes the gateway emits.
const (
	StatusTrying             StatusCode = 100
	StatusRinging            StatusCode = 180
	StatusOK                 StatusCode = 200
	StatusRequestTimeout     StatusCode = 408
	StatusTemporarilyUnavail StatusCode = 480
	StatusRequestTerminated  StatusCode = 487
	StatusInternalError      StatusCode = 500
	StatusNotImplemented     StatusCode = 501
	StatusServiceUnavailable StatusCode = 503
	StatusDecline            StatusCode = 603
)

// Message is either a *Request or a *Response.
type Message interface {
	// StartLine returns the message start line.
	StartLine() string
	// String returns the serialized message in RFC 3261 form.
	String() string
	// StringWrite is String with a caller provided writer.
	StringWrite(io.StringWriter)
	// Short returns short info about the message, for logging.
	Short() string

	Headers() []Header
	GetHeader(name string) (string, bool)
	GetHeaders(name string) []string
	AppendHeader(name, value string)
	PrependHeader(name, value string)
	ReplaceHeader(name, value string)
	RemoveHeader(name string)
	HasHeader(name string) bool

	/* Helper getters for common headers */
	CallID() string
	Via() (*Via, error)
	From() (*NameAddr, error)
	To() (*NameAddr, error)
	CSeq() (*CSeq, error)

	Body() string
	SetBody(body string)

	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// CSeq is the parsed CSeq header.
type CSeq struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (c *CSeq) String() string {
	return strconv.FormatUint(uint64(c.SeqNo), 10) + " " + string(c.MethodName)
}

// ParseCSeq parses "4711 INVITE".
func ParseCSeq(s string, c *CSeq) error {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return fmt.Errorf("malformed CSeq %q", s)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return fmt.Errorf("malformed CSeq number %q: %w", s, err)
	}
	c.SeqNo = uint32(seq)
	c.MethodName = RequestMethod(strings.ToUpper(fields[1]))
	return nil
}

// MessageData is the shared part of Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       string

	// Internal routing, carried from/to the transport.
	src  string
	dest string
}

func (msg *MessageData) Body() string { return msg.body }

func (msg *MessageData) SetBody(body string) { msg.body = body }

func (msg *MessageData) Source() string { return msg.src }

func (msg *MessageData) SetSource(src string) { msg.src = src }

func (msg *MessageData) Destination() string { return msg.dest }

func (msg *MessageData) SetDestination(dest string) { msg.dest = dest }

// CallID returns the Call-ID header value, empty when absent.
func (msg *MessageData) CallID() string {
	v, _ := msg.GetHeader("Call-ID")
	return v
}

// Via returns the top Via entry.
func (msg *MessageData) Via() (*Via, error) {
	v, ok := msg.GetHeader("Via")
	if !ok {
		return nil, fmt.Errorf("missing Via header")
	}
	via := &Via{}
	if err := ParseVia(v, via); err != nil {
		return nil, err
	}
	return via, nil
}

// From returns the parsed From header.
func (msg *MessageData) From() (*NameAddr, error) {
	return msg.nameAddr("From")
}

// To returns the parsed To header.
func (msg *MessageData) To() (*NameAddr, error) {
	return msg.nameAddr("To")
}

func (msg *MessageData) nameAddr(name string) (*NameAddr, error) {
	v, ok := msg.GetHeader(name)
	if !ok {
		return nil, fmt.Errorf("missing %s header", name)
	}
	na := &NameAddr{}
	if err := ParseNameAddr(v, na); err != nil {
		return nil, err
	}
	return na, nil
}

// CSeq returns the parsed CSeq header.
func (msg *MessageData) CSeq() (*CSeq, error) {
	v, ok := msg.GetHeader("CSeq")
	if !ok {
		return nil, fmt.Errorf("missing CSeq header")
	}
	c := &CSeq{}
	if err := ParseCSeq(v, c); err != nil {
		return nil, err
	}
	return c, nil
}

// bodyWrite emits the Content-Length header (unless the caller already set
// one), the mandatory blank line, and the body.
func (msg *MessageData) bodyWrite(w io.StringWriter) {
	if !msg.HasHeader("Content-Length") {
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.Itoa(len(msg.body)))
		w.WriteString("\r\n")
	}
	w.WriteString("\r\n")
	if msg.body != "" {
		w.WriteString(msg.body)
	}
}
