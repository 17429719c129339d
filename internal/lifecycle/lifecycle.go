// ============================================================================
// Task Lifecycle - Status State Machine
// ============================================================================
//
// Package: internal/lifecycle
// File: lifecycle.go
// Purpose: Legal status transitions and which actor may perform them
//
// State Machine:
//
//   new ──(producer)──> pending ──(consumer)──> in_progress ──(consumer)──> completed
//    │                     │                        │  ▲                 └──> failed
//    │                     │                        │  └─(consumer, redelivery)
//    └──────(client)───────┴────────(client)────────┴──────────> cancelled
//
// The machine is consulted, not owned. Producer, consumer and client run in
// separate processes and race on the same row; each transition is written as
// a guarded conditional update and the store decides which writer wins.
//
// ============================================================================

package lifecycle

import (
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Actor identifies who performs a transition.
type Actor string

const (
	ActorProducer Actor = "producer"
	ActorConsumer Actor = "consumer"
	ActorClient   Actor = "client"
)

type edge struct {
	from, to types.Status
}

// transitions maps each legal edge to the single actor allowed to take it.
var transitions = map[edge]Actor{
	{types.StatusNew, types.StatusPending}:           ActorProducer,
	{types.StatusPending, types.StatusInProgress}:    ActorConsumer,
	{types.StatusInProgress, types.StatusInProgress}: ActorConsumer, // reclaim after crash redelivery
	{types.StatusInProgress, types.StatusCompleted}:  ActorConsumer,
	{types.StatusInProgress, types.StatusFailed}:     ActorConsumer,
	{types.StatusNew, types.StatusCancelled}:         ActorClient,
	{types.StatusPending, types.StatusCancelled}:     ActorClient,
	{types.StatusInProgress, types.StatusCancelled}:  ActorClient,
}

// IsTerminal returns true if no further transition is possible.
func IsTerminal(s types.Status) bool {
	return s == types.StatusCompleted || s == types.StatusFailed || s == types.StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the machine.
func CanTransition(from, to types.Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Allowed reports whether actor may move a task from -> to.
func Allowed(actor Actor, from, to types.Status) bool {
	a, ok := transitions[edge{from, to}]
	return ok && a == actor
}

// Sources returns the statuses from which actor may reach to. Stores use it
// to build the precondition of a guarded update.
func Sources(actor Actor, to types.Status) []types.Status {
	var out []types.Status
	for _, from := range types.Statuses {
		if Allowed(actor, from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Cancellable reports whether a client may still cancel a task in s.
func Cancellable(s types.Status) bool {
	return Allowed(ActorClient, s, types.StatusCancelled)
}
