// ============================================================================
// taskdispatch Delivery Source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the pool from the broker that feeds it.
//
// Each worker gets its own subscription so that prefetch = 1 holds per
// worker: with one channel shared by N workers the broker would hand out
// N messages to a single consumer tag.
//
// ============================================================================

package worker

import "github.com/ChuLiYu/taskdispatch/internal/broker"

// ConsumerFactory opens the subscription for one worker. workerID is stable
// for the life of the process and can be used to name the subscription.
type ConsumerFactory func(workerID int) (broker.Consumer, error)

// SharedQueue returns a factory that hands every worker a consumer from the
// in-memory broker on queue.
func SharedQueue(m *broker.Memory, queue string) ConsumerFactory {
	return func(int) (broker.Consumer, error) {
		return m.Consumer(queue), nil
	}
}
