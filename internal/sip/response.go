package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Response RFC 3261 - 7.2.
type Response struct {
	MessageData
	StatusCode StatusCode
	Reason     string
}

// NewResponse creates the base for building a response.
func NewResponse(statusCode StatusCode, reason string) *Response {
	res := &Response{}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{headerOrder: make([]Header, 0, 12)}
	res.StatusCode = statusCode
	res.Reason = reason
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s source=%s",
		res.StatusCode, res.Reason, res.Source())
}

// StartLine returns the Status-Line.
func (res *Response) StartLine() string {
	var b strings.Builder
	res.StartLineWrite(&b)
	return b.String()
}

func (res *Response) StartLineWrite(w io.StringWriter) {
	w.WriteString(res.SipVersion)
	w.WriteString(" ")
	w.WriteString(strconv.Itoa(int(res.StatusCode)))
	w.WriteString(" ")
	w.WriteString(res.Reason)
}

func (res *Response) String() string {
	var b strings.Builder
	res.StringWrite(&b)
	return b.String()
}

func (res *Response) StringWrite(w io.StringWriter) {
	res.StartLineWrite(w)
	w.WriteString("\r\n")
	res.headers.StringWrite(w)
	res.bodyWrite(w)
}

func (res *Response) IsProvisional() bool { return res.StatusCode < 200 }

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsFinal() bool { return res.StatusCode >= 200 }

// Destination returns where the response datagram goes: an explicit routing
// address wins, then the top Via's received/rport correction, then its
// sent-by address.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via, err := res.Via()
	if err != nil {
		return ""
	}
	host := via.Host
	port := via.Port
	if port == 0 {
		port = DefaultPort
	}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return HostPort(host, port)
}

// Clone returns a deep copy.
func (res *Response) Clone() *Response {
	c := NewResponse(res.StatusCode, res.Reason)
	c.SipVersion = res.SipVersion
	c.headers = res.headers.clone()
	c.body = res.body
	c.src = res.src
	c.dest = res.dest
	return c
}

// NewResponseFromRequest builds a response echoing the request's dialog
// identifying headers, RFC 3261 - 8.2.6. The rewritten Via list is copied
// verbatim so NAT corrected entries survive into the response.
func NewResponseFromRequest(req *Request, statusCode StatusCode, reason string, body string) *Response {
	res := NewResponse(statusCode, reason)
	CopyHeaders("Via", req, res)
	CopyHeaders("Record-Route", req, res)
	CopyHeaders("From", req, res)
	CopyHeaders("To", req, res)
	CopyHeaders("Call-ID", req, res)
	CopyHeaders("CSeq", req, res)

	if body != "" {
		res.SetBody(body)
	}

	res.SetSource(req.Destination())
	res.SetDestination(req.Source())
	return res
}
