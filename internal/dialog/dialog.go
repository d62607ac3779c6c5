// Package dialog holds the long-lived call records and their lifecycle state
// machine.
package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// Direction of a dialog, from the gateway's point of view.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Dialog states.
const (
	StateCalling     = "calling"
	StateRinging     = "ringing"
	StateAnswered    = "answered"
	StateEstablished = "established"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"
)

// Lifecycle transitions.
const (
	eventRing      = "ring"
	eventAnswer    = "answer"
	eventAck       = "ack"
	eventEstablish = "establish"
	eventTerminate = "terminate"
	eventDestroy   = "destroy"
)

// Timer names a dialog can hold. At most one timer per name; arming a name
// again replaces the previous timer.
const (
	TimerRetransmit = "retransmit"
	TimerAckWait    = "ack-wait"
)

// Dialog is one call leg pair bridged by the gateway. All mutable state is
// guarded by mu; callers hold the dialog lock across a read-modify-write.
type Dialog struct {
	ID        string
	Direction Direction
	PeerUser  string
	CreatedAt time.Time

	mu        sync.Mutex
	state     *fsm.FSM
	localTag  string
	remoteTag string
	seqNo     uint32
	timers    map[string]*time.Timer

	// Outgoing only. SentInvite is kept for composing the CANCEL, which must
	// reuse the INVITE's branch.
	TargetURI  sip.Uri
	SentInvite *sip.Request

	// Incoming only. OriginAddr is the transport address the INVITE came
	// from; it beats the configured server address when routing BYE/CANCEL
	// because NAT may have masked the From URI.
	OriginRequest *sip.Request
	OriginAddr    string
	TxKey         string

	// 2xx reliability for incoming dialogs.
	retransmitCount    int
	retransmitInterval time.Duration
	ackReceived        bool
}

// New creates a dialog in its initial state: calling for outgoing, ringing
// for incoming.
func New(id string, direction Direction, peerUser string) *Dialog {
	initial := StateCalling
	if direction == Incoming {
		initial = StateRinging
	}
	d := &Dialog{
		ID:        id,
		Direction: direction,
		PeerUser:  peerUser,
		CreatedAt: time.Now(),
		localTag:  sip.GenerateTag(),
		timers:    make(map[string]*time.Timer),
	}
	d.state = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventRing, Src: []string{StateCalling}, Dst: StateRinging},
			{Name: eventAnswer, Src: []string{StateRinging}, Dst: StateAnswered},
			{Name: eventAck, Src: []string{StateAnswered}, Dst: StateEstablished},
			{Name: eventEstablish, Src: []string{StateCalling, StateRinging}, Dst: StateEstablished},
			{Name: eventTerminate, Src: []string{StateCalling, StateRinging, StateAnswered, StateEstablished}, Dst: StateTerminating},
			{Name: eventDestroy, Src: []string{StateTerminating}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
	return d
}

func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Current()
}

// Ring moves calling -> ringing. A repeated 180 is a no-op.
func (d *Dialog) Ring() bool {
	return d.fire(eventRing)
}

// Answer moves ringing -> answered and resets the 2xx retransmit schedule.
func (d *Dialog) Answer() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.Event(context.Background(), eventAnswer); err != nil {
		return false
	}
	d.retransmitCount = 0
	d.retransmitInterval = 0
	d.ackReceived = false
	return true
}

// Ack consumes the acknowledgement: answered -> established. Returns false
// for a duplicate or stray ACK.
func (d *Dialog) Ack() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.Event(context.Background(), eventAck); err != nil {
		return false
	}
	d.ackReceived = true
	return true
}

// Establish moves an outgoing dialog to established on the 2xx.
func (d *Dialog) Establish() bool {
	return d.fire(eventEstablish)
}

// BeginTerminate enters the terminating state. Exactly one caller wins;
// everyone else gets false, which makes the cleanup path idempotent.
func (d *Dialog) BeginTerminate() bool {
	return d.fire(eventTerminate)
}

// Destroy finishes termination.
func (d *Dialog) Destroy() {
	d.fire(eventDestroy)
}

func (d *Dialog) fire(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Event(context.Background(), event) == nil
}

func (d *Dialog) LocalTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localTag
}

func (d *Dialog) RemoteTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTag
}

// SetRemoteTag learns the peer's tag from its first tagged response or from
// the inbound From. The first non-empty value sticks.
func (d *Dialog) SetRemoteTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteTag == "" && tag != "" {
		d.remoteTag = tag
	}
}

// SetSeqNo seeds the sequence counter from the initial request.
func (d *Dialog) SetSeqNo(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqNo = n
}

// NextCSeq increments and returns the per-dialog sequence number.
func (d *Dialog) NextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqNo++
	return d.seqNo
}

func (d *Dialog) SeqNo() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seqNo
}

// AckReceived reports whether the 2xx acknowledgement already arrived.
func (d *Dialog) AckReceived() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackReceived
}

// NextRetransmit advances the 2xx retransmit schedule: T1 doubling to the T2
// ceiling, at most max sends. Returns the delay before the next send and
// whether the schedule still runs.
func (d *Dialog) NextRetransmit(t1, t2 time.Duration, max int) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackReceived || d.retransmitCount >= max {
		return 0, false
	}
	d.retransmitCount++
	if d.retransmitInterval == 0 {
		d.retransmitInterval = t1
	} else {
		d.retransmitInterval *= 2
		if d.retransmitInterval > t2 {
			d.retransmitInterval = t2
		}
	}
	return d.retransmitInterval, true
}

func (d *Dialog) RetransmitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retransmitCount
}

// SetTimer arms a named timer, replacing any previous one under that name.
func (d *Dialog) SetTimer(name string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.timers[name]; ok {
		old.Stop()
	}
	d.timers[name] = time.AfterFunc(delay, fn)
}

// CancelTimer stops and forgets one named timer.
func (d *Dialog) CancelTimer(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[name]; ok {
		t.Stop()
		delete(d.timers, name)
	}
}

// StopTimers cancels every timer. Runs before the dialog leaves the store so
// no timer can outlive its dialog.
func (d *Dialog) StopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, t := range d.timers {
		t.Stop()
		delete(d.timers, name)
	}
}
