// Package command implements the closed set of external mutations the
// scheduler accepts, and the queue that serialises them onto the main
// loop (spec.md §4.7). Every mutation to the task pool, state machine, or
// broadcast overlay arrives as one of these commands; nothing else is
// allowed to touch that state.
package command

import (
	"errors"

	"github.com/cylc/flowcore/flow"
)

// ErrAlreadyActive is returned by Trigger validation when the selected
// proxy is already preparing, submitted, or running.
var ErrAlreadyActive = errors.New("command: proxy already active")

// StopMode distinguishes the ways a Stop command may wind the scheduler
// down.
type StopMode int

const (
	StopClean StopMode = iota
	StopKill
	StopNow
)

// TriggerFlow selects how Trigger assigns flow membership to the run it
// starts.
type TriggerFlow int

const (
	FlowSame TriggerFlow = iota
	FlowNew
	FlowNone
	FlowList
)

// Selector identifies a set of task proxies by point and name/family glob.
// Both fields accept "*" and literal values; richer glob syntax is the
// responsibility of the (out-of-scope) configuration layer, which resolves
// user syntax down to these two fields before a Command is constructed.
type Selector struct {
	PointGlob string
	NameGlob  string
}

// Kind selects which variant of the closed Command sum type a value is.
// Command groups each variant's fields, and fields not relevant to the Kind
// are left zero; this mirrors
// how the source's own command API multiplexes several request shapes
// through one queue.
type Kind int

const (
	KindHold Kind = iota
	KindRelease
	KindTrigger
	KindSetOutputs
	KindRemove
	KindPause
	KindResume
	KindStop
	KindReload
	KindBroadcast
	KindPoll
	KindKill
)

func (k Kind) String() string {
	switch k {
	case KindHold:
		return "hold"
	case KindRelease:
		return "release"
	case KindTrigger:
		return "trigger"
	case KindSetOutputs:
		return "set-outputs"
	case KindRemove:
		return "remove"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	case KindStop:
		return "stop"
	case KindReload:
		return "reload"
	case KindBroadcast:
		return "broadcast"
	case KindPoll:
		return "poll"
	case KindKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Command is one queued mutation. Fields not relevant to Kind are zero.
type Command struct {
	Kind Kind

	// Hold, Release, Remove, Poll, Kill, SetOutputs
	Selector Selector

	// Trigger
	TriggerFlowMode TriggerFlow
	TriggerFlowIDs  []flow.ID
	TriggerWait     bool

	// SetOutputs
	Labels []string

	// Stop
	StopMode StopMode

	// Broadcast
	BroadcastPointPat    string
	BroadcastNamespace   string
	BroadcastSettingPath string
	BroadcastValue       string
	BroadcastClear       bool

	// ReplyTo, if non-nil, receives the command's outcome. The main loop
	// closes it after applying the command, per-command, so callers can
	// await completion without sharing pool state.
	ReplyTo chan error
}

// Result is returned by Submit, acknowledging enqueue (not application).
type Result struct {
	Accepted bool
	Err      error
}

// Queue serialises commands for the main loop to drain in arrival order.
// It is a thin wrapper over a buffered channel, mirroring the teacher's
// Frontier/channel combination but without the heap: command ordering is
// pure FIFO by arrival, never reprioritised (spec.md §4.7 "commands are
// applied in arrival order").
type Queue struct {
	ch   chan Command
	wake chan struct{}
}

// NewQueue returns a Queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan Command, capacity), wake: make(chan struct{}, 1)}
}

// Submit enqueues cmd, blocking if the queue is full. Returns an error only
// if the queue has been closed.
func (q *Queue) Submit(cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Accepted: false, Err: errors.New("command: queue closed")}
		}
	}()
	q.ch <- cmd
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return Result{Accepted: true}
}

// Wake returns a channel that receives a value shortly after a command is
// submitted, for the main loop's step 9 wait to wake on arrival rather than
// on the next tick-interval timer alone.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Drain removes up to budget commands from the queue without blocking,
// matching main-loop step 1's "bounded budget" requirement. Returns fewer
// than budget commands if the queue empties first.
func (q *Queue) Drain(budget int) []Command {
	out := make([]Command, 0, budget)
	for i := 0; i < budget; i++ {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
	return out
}

// Close closes the underlying channel. Submit after Close returns an
// error rather than panicking on a send to a closed channel.
func (q *Queue) Close() { close(q.ch) }
