package sip

import (
	"fmt"
	"io"
	"strings"
)

// Request RFC 3261 - 7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri
}

// NewRequest creates the base for building a request. No headers are added;
// AppendHeader fills them in the order they should serialize.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	req := &Request{}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{headerOrder: make([]Header, 0, 12)}
	req.Method = method
	req.Recipient = recipient
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s recipient=%s source=%s",
		req.Method, req.Recipient.String(), req.Source())
}

// StartLine returns the Request-Line.
func (req *Request) StartLine() string {
	var b strings.Builder
	req.StartLineWrite(&b)
	return b.String()
}

func (req *Request) StartLineWrite(w io.StringWriter) {
	w.WriteString(string(req.Method))
	w.WriteString(" ")
	w.WriteString(req.Recipient.String())
	w.WriteString(" ")
	w.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var b strings.Builder
	req.StringWrite(&b)
	return b.String()
}

func (req *Request) StringWrite(w io.StringWriter) {
	// The start-line, each header line, and the empty line are terminated by
	// CRLF, and the empty line is present even without a body.
	req.StartLineWrite(w)
	w.WriteString("\r\n")
	req.headers.StringWrite(w)
	req.bodyWrite(w)
}

func (req *Request) IsInvite() bool { return req.Method == INVITE }

func (req *Request) IsAck() bool { return req.Method == ACK }

func (req *Request) IsCancel() bool { return req.Method == CANCEL }

// Destination returns where the datagram goes: an explicitly routed address
// wins, otherwise the request URI host:port.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}
	return req.Recipient.HostPort()
}

// Clone returns a deep copy.
func (req *Request) Clone() *Request {
	c := NewRequest(req.Method, req.Recipient.Clone())
	c.SipVersion = req.SipVersion
	c.headers = req.headers.clone()
	c.body = req.body
	c.src = req.src
	c.dest = req.dest
	return c
}
