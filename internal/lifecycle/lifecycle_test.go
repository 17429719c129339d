package lifecycle

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range types.Statuses {
		if !IsTerminal(from) {
			continue
		}
		for _, to := range types.Statuses {
			assert.False(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestHappyPath(t *testing.T) {
	assert.True(t, Allowed(ActorProducer, types.StatusNew, types.StatusPending))
	assert.True(t, Allowed(ActorConsumer, types.StatusPending, types.StatusInProgress))
	assert.True(t, Allowed(ActorConsumer, types.StatusInProgress, types.StatusCompleted))
	assert.True(t, Allowed(ActorConsumer, types.StatusInProgress, types.StatusFailed))
}

func TestActorsCannotBorrowEdges(t *testing.T) {
	assert.False(t, Allowed(ActorConsumer, types.StatusNew, types.StatusPending))
	assert.False(t, Allowed(ActorProducer, types.StatusPending, types.StatusInProgress))
	assert.False(t, Allowed(ActorConsumer, types.StatusPending, types.StatusCancelled))
	assert.False(t, Allowed(ActorClient, types.StatusInProgress, types.StatusCompleted))
}

func TestNoBackwardMoves(t *testing.T) {
	assert.False(t, CanTransition(types.StatusPending, types.StatusNew))
	assert.False(t, CanTransition(types.StatusInProgress, types.StatusPending))
	assert.False(t, CanTransition(types.StatusNew, types.StatusInProgress))
}

func TestSources(t *testing.T) {
	assert.ElementsMatch(t,
		[]types.Status{types.StatusPending, types.StatusInProgress},
		Sources(ActorConsumer, types.StatusInProgress))
	assert.ElementsMatch(t,
		[]types.Status{types.StatusNew, types.StatusPending, types.StatusInProgress},
		Sources(ActorClient, types.StatusCancelled))
	assert.Equal(t, []types.Status{types.StatusNew}, Sources(ActorProducer, types.StatusPending))
}

func TestCancellable(t *testing.T) {
	assert.True(t, Cancellable(types.StatusNew))
	assert.True(t, Cancellable(types.StatusInProgress))
	assert.False(t, Cancellable(types.StatusCompleted))
	assert.False(t, Cancellable(types.StatusCancelled))
}

func TestFromUpdate(t *testing.T) {
	assert.Equal(t, Proceed, FromUpdate(true, nil).Verdict)
	assert.Equal(t, SkipCancelled, FromUpdate(false, nil).Verdict)

	boom := errors.New("connection refused")
	out := FromUpdate(false, boom)
	assert.Equal(t, Fail, out.Verdict)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "fail", out.Verdict.String())
}
