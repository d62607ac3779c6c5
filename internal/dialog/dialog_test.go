package dialog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingLifecycle(t *testing.T) {
	d := New("call-1", Outgoing, "alice")
	assert.Equal(t, StateCalling, d.State())
	assert.Len(t, d.LocalTag(), 16)

	assert.True(t, d.Ring())
	assert.Equal(t, StateRinging, d.State())
	// Repeated 180 is a no-op.
	assert.False(t, d.Ring())

	d.SetRemoteTag("remote1")
	// The first learned tag sticks.
	d.SetRemoteTag("remote2")
	assert.Equal(t, "remote1", d.RemoteTag())

	assert.True(t, d.Establish())
	assert.Equal(t, StateEstablished, d.State())

	assert.True(t, d.BeginTerminate())
	assert.False(t, d.BeginTerminate())
	d.Destroy()
	assert.Equal(t, StateTerminated, d.State())
}

func TestIncomingLifecycle(t *testing.T) {
	d := New("call-2", Incoming, "alice")
	assert.Equal(t, StateRinging, d.State())

	// A stray ACK before answering changes nothing.
	assert.False(t, d.Ack())

	require.True(t, d.Answer())
	assert.Equal(t, StateAnswered, d.State())
	assert.False(t, d.AckReceived())

	require.True(t, d.Ack())
	assert.Equal(t, StateEstablished, d.State())
	assert.True(t, d.AckReceived())

	// Duplicate ACK is absorbed.
	assert.False(t, d.Ack())
}

func TestTerminatingDialogRejectsAnswer(t *testing.T) {
	d := New("call-3", Incoming, "alice")
	require.True(t, d.BeginTerminate())
	assert.False(t, d.Answer())
	assert.False(t, d.Ack())
}

func TestNextCSeq(t *testing.T) {
	d := New("call-4", Incoming, "alice")
	d.SetSeqNo(41)
	assert.Equal(t, uint32(42), d.NextCSeq())
	assert.Equal(t, uint32(43), d.NextCSeq())
	assert.Equal(t, uint32(43), d.SeqNo())
}

func TestRetransmitSchedule(t *testing.T) {
	d := New("call-5", Incoming, "alice")
	require.True(t, d.Answer())

	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second

	var intervals []time.Duration
	for {
		delay, ok := d.NextRetransmit(t1, t2, 7)
		if !ok {
			break
		}
		intervals = append(intervals, delay)
	}

	// 500ms, 1s, 2s, 4s, then pinned at the T2 ceiling, seven in total.
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second,
		4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}
	assert.Equal(t, want, intervals)
	assert.Equal(t, 7, d.RetransmitCount())
}

func TestRetransmitStopsOnAck(t *testing.T) {
	d := New("call-6", Incoming, "alice")
	require.True(t, d.Answer())
	_, ok := d.NextRetransmit(time.Millisecond, time.Millisecond, 7)
	require.True(t, ok)

	require.True(t, d.Ack())
	_, ok = d.NextRetransmit(time.Millisecond, time.Millisecond, 7)
	assert.False(t, ok)
}

func TestTimers(t *testing.T) {
	d := New("call-7", Incoming, "alice")

	var fired atomic.Int32
	d.SetTimer(TimerRetransmit, 5*time.Millisecond, func() { fired.Add(1) })
	// Re-arming replaces the previous timer.
	d.SetTimer(TimerRetransmit, 5*time.Millisecond, func() { fired.Add(1) })
	d.SetTimer(TimerAckWait, time.Hour, func() { fired.Add(100) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	d.StopTimers()
	d.SetTimer(TimerRetransmit, time.Millisecond, func() { fired.Add(1) })
	d.CancelTimer(TimerRetransmit)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestStoreCapacityAndDuplicates(t *testing.T) {
	s := NewStore(2)
	require.NoError(t, s.Put(New("a", Incoming, "u1")))
	require.NoError(t, s.Put(New("b", Outgoing, "u2")))

	err := s.Put(New("c", Incoming, "u3"))
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, s.Len())

	require.Error(t, s.Put(New("a", Incoming, "u1")))

	s.Delete("a")
	s.Delete("a") // no-op
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Put(New("c", Incoming, "u3")))

	all := s.All()
	assert.Len(t, all, 2)
}
