package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/space/internal/types"
)

func TestChannel_EmitAndReceive(t *testing.T) {
	ch := NewChannel(4)
	defer ch.Close()

	id, err := types.NewCapsuleId()
	require.NoError(t, err)

	ok := ch.Emit(Event{Kind: EventNewCapsule, CapsuleId: id, Size: 10})
	assert.True(t, ok)

	received := <-ch.Events()
	assert.Equal(t, EventNewCapsule, received.Kind)
	assert.Equal(t, id, received.CapsuleId)
}

func TestChannel_EmitDropsWhenFull(t *testing.T) {
	ch := NewChannel(1)
	defer ch.Close()

	assert.True(t, ch.Emit(Event{Kind: EventSegmentsReclaimed, Count: 1}))
	assert.False(t, ch.Emit(Event{Kind: EventSegmentsReclaimed, Count: 2}), "emit must never block and must drop when the buffer is full")
}

func TestAttachment_EmitWithoutChannelReturnsFalse(t *testing.T) {
	var a Attachment
	assert.False(t, a.Emit(Event{Kind: EventCapsuleDeleted}))
}

func TestAttachment_AttachDetach(t *testing.T) {
	var a Attachment
	ch := NewChannel(1)
	defer ch.Close()

	a.Attach(ch)
	assert.True(t, a.Emit(Event{Kind: EventCapsuleDeleted}))

	a.Detach()
	assert.False(t, a.Emit(Event{Kind: EventCapsuleDeleted}))
}
