package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// ErrSimulatedFailure is returned by SimulatedExecutor for injected failures.
var ErrSimulatedFailure = errors.New("simulated execution failure")

// SimulatedExecutor stands in for real work: it sleeps a random duration in
// [MinDelay, MaxDelay] and optionally fails.
type SimulatedExecutor struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64 // 0..1
}

// DefaultSimulatedExecutor sleeps 1 to 7 seconds and never fails.
func DefaultSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{MinDelay: time.Second, MaxDelay: 7 * time.Second}
}

func (e *SimulatedExecutor) Execute(ctx context.Context, task types.Task) (types.Result, error) {
	work := e.MinDelay
	if spread := e.MaxDelay - e.MinDelay; spread > 0 {
		work += time.Duration(rand.Int63n(int64(spread) + 1))
	}

	timer := time.NewTimer(work)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if e.FailureRate > 0 && rand.Float64() < e.FailureRate {
		return nil, ErrSimulatedFailure
	}
	return types.Result{"message": "successfully"}, nil
}
