package domain

import "math/bits"

// Status is a task lifecycle state. Values are single bits so that a set of
// states can be expressed as a mask.
type Status uint16

const (
	StatusTodo Status = 1 << iota
	StatusScheduled
	StatusQueued
	StatusDoing
	StatusDone
	StatusFailed
	StatusCanceled
	StatusAborted
	StatusAbort
)

// Masks used by the scheduler and the store.
const (
	StatusTerminal = StatusDone | StatusFailed | StatusCanceled | StatusAborted
	StatusPending  = StatusTodo | StatusScheduled | StatusQueued
	StatusRunning  = StatusDoing | StatusAbort
	StatusLive     = StatusPending | StatusRunning
)

var statusLabels = []string{
	"todo", "scheduled", "queued", "doing", "done", "failed",
	"canceled", "aborted", "abort",
}

// Label returns the display token of the highest bit set in s, or "unknown".
func (s Status) Label() string {
	p := bits.Len16(uint16(s)) - 1
	if p < 0 || p >= len(statusLabels) {
		return "unknown"
	}
	return statusLabels[p]
}

func (s Status) String() string { return s.Label() }

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool { return s&StatusTerminal != 0 }

// ParseStatus is the inverse of Label.
func ParseStatus(label string) (Status, bool) {
	for i, l := range statusLabels {
		if l == label {
			return Status(1 << i), true
		}
	}
	return 0, false
}

var transitions = map[Status]Status{
	StatusTodo:      StatusScheduled | StatusCanceled,
	StatusScheduled: StatusQueued | StatusCanceled,
	StatusQueued:    StatusDoing | StatusCanceled,
	StatusDoing:     StatusDone | StatusFailed | StatusAbort,
	StatusAbort:     StatusAborted | StatusDone,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from]&to != 0 && bits.OnesCount16(uint16(to)) == 1
}

// CanRearm reports whether a recurring task in state s may start a new run.
func CanRearm(s Status) bool { return s == StatusDone || s == StatusFailed }
