// Package events carries call lifecycle notifications from the signaling
// engine to the browser hub. Each event kind is its own type, so a consumer
// can never receive an unknown event name with missing fields.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Meta is the part every event carries: a unique id, the dialog's call
// identifier and the browser username the event routes to.
type Meta struct {
	ID     string
	CallID string
	User   string
	At     time.Time
}

func NewMeta(callID, user string) Meta {
	return Meta{
		ID:     uuid.NewString(),
		CallID: callID,
		User:   user,
		At:     time.Now(),
	}
}

// Event is the closed set of notifications the engine publishes.
type Event interface {
	EventMeta() Meta
	isEvent()
}

func (m Meta) EventMeta() Meta { return m }
func (m Meta) isEvent()        {}

// Ringing - the remote peer returned 180.
type Ringing struct {
	Meta
}

// Answered - the call is up; SDP is the translated answer for the browser.
type Answered struct {
	Meta
	SDP string
}

// Failed - the call could not be completed.
type Failed struct {
	Meta
	Reason string
	Status int
}

// Ended - an established call terminated.
type Ended struct {
	Meta
	Reason string
}

// Incoming - a telephony peer is calling a browser user.
type Incoming struct {
	Meta
	From string
	To   string
	SDP  string
}

// DTMF - an out-of-band digit arrived mid-call.
type DTMF struct {
	Meta
	Digit    string
	Duration int
}

// Renegotiation - a mid-dialog re-INVITE produced a new remote description.
type Renegotiation struct {
	Meta
	SDP string
}
