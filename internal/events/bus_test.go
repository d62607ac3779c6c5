package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrderAndFanout(t *testing.T) {
	bus := NewBus()

	var first, second []Event
	bus.Subscribe(func(ev Event) { first = append(first, ev) })
	bus.Subscribe(func(ev Event) { second = append(second, ev) })

	bus.Publish(Ringing{Meta: NewMeta("call-1", "alice")})
	bus.Publish(Answered{Meta: NewMeta("call-1", "alice"), SDP: "v=0"})

	require.Len(t, first, 2)
	require.Len(t, second, 2)

	_, ok := first[0].(Ringing)
	assert.True(t, ok)
	ans, ok := first[1].(Answered)
	require.True(t, ok)
	assert.Equal(t, "v=0", ans.SDP)
	assert.Equal(t, "call-1", ans.EventMeta().CallID)
	assert.Equal(t, "alice", ans.EventMeta().User)
}

func TestPublishWithoutSubscribersIsSafe(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(Failed{Meta: NewMeta("call-2", "bob"), Reason: "request-timeout", Status: 408})
	})
}

func TestMetaIsUniquePerEvent(t *testing.T) {
	a := NewMeta("call-3", "alice")
	b := NewMeta("call-3", "alice")
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.At.IsZero())
}
