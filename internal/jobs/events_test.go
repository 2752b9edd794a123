package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal/model"
)

func TestEventBusSinceAndTrim(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(3)
	bus.Publish(Event{JobID: "a", Type: EventTypeStatus, Status: model.JobStatusQueued})
	bus.Publish(Event{JobID: "b", Type: EventTypeStatus, Status: model.JobStatusQueued})
	bus.Publish(Event{JobID: "a", Type: EventTypeStatus, Status: model.JobStatusDecoding})
	last := bus.Publish(Event{JobID: "a", Type: EventTypeError, Kind: model.KindTimeout})

	assert.Equal(t, int64(4), last.Seq)
	assert.False(t, last.Timestamp.IsZero())

	all := bus.Since("", 0)
	require.Len(t, all, 3, "oldest event is trimmed")
	assert.Equal(t, int64(2), all[0].Seq)

	forA := bus.Since("a", 0)
	require.Len(t, forA, 2)
	assert.Equal(t, model.JobStatusDecoding, forA[0].Status)

	assert.Len(t, bus.Since("a", 3), 1)
	assert.Empty(t, bus.Since("zzz", 0))
}
