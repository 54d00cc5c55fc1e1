package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// Options are the handler-specific parameters of a task. The scheduler never
// interprets them; they only need to survive a JSON round trip.
type Options map[string]any

// UnmarshalJSON keeps numbers as json.Number so that integers wider than a
// float64 mantissa come back unchanged.
func (o *Options) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := decodeNumbers(b, &m); err != nil {
		return err
	}
	*o = m
	return nil
}

func decodeNumbers(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// Decode converts the options into a handler's own parameter struct.
func (o Options) Decode(v any) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return decodeNumbers(b, v)
}

// Contains reports whether every key of sub is present in o with an equal value.
// Values are compared after normalizing both sides through JSON so that a
// filter built from typed values matches options read back from storage.
func (o Options) Contains(sub Options) bool {
	if len(sub) == 0 {
		return true
	}
	a, err := normalize(o)
	if err != nil {
		return false
	}
	b, err := normalize(sub)
	if err != nil {
		return false
	}
	for k, want := range b {
		got, ok := a[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Equal compares two option sets by their canonical JSON encoding.
func (o Options) Equal(other Options) bool {
	a, err := json.Marshal(o)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func normalize(o Options) (map[string]any, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := decodeNumbers(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Task is one deferred operation tracked by the scheduler.
type Task struct {
	ID         string          `json:"id"`
	WorkerName string          `json:"worker_name"`
	Options    Options         `json:"options"`
	StartAt    time.Time       `json:"start_at"`
	Status     Status          `json:"status"`
	Redo       string          `json:"redo,omitempty"`
	Expire     time.Duration   `json:"expire,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StatusLabel is the display token of the task's status.
func (t Task) StatusLabel() string { return t.Status.Label() }

// SameOperation reports whether t and other describe the same logical
// operation, which is what makes a re-submission idempotent. A recurring
// task moves its StartAt on every rearm, so start times are only compared
// for one-shot tasks.
func (t Task) SameOperation(other Task) bool {
	if t.WorkerName != other.WorkerName || t.Redo != other.Redo {
		return false
	}
	if t.Redo == "" && !t.StartAt.Equal(other.StartAt) {
		return false
	}
	return t.Options.Equal(other.Options)
}

// ScheduleRequest asks the scheduler to accept a new task.
//
// ID is optional: when empty it is derived from WorkerName, Options and
// StartAt. StartAt in the past means "run as soon as possible".
type ScheduleRequest struct {
	ID         string        `json:"id,omitempty"`
	WorkerName string        `json:"worker_name"`
	Options    Options       `json:"options,omitempty"`
	StartAt    time.Time     `json:"start_at"`
	Redo       string        `json:"redo,omitempty"`
	Expire     time.Duration `json:"expire,omitempty"`
}

// ListFilter narrows a task listing. Zero values match everything.
type ListFilter struct {
	WorkerName string  `json:"worker_name,omitempty"`
	Options    Options `json:"options,omitempty"`
	// Statuses is a bit mask of Status values.
	Statuses Status `json:"statuses,omitempty"`
}

// Match reports whether t passes the filter.
func (f ListFilter) Match(t Task) bool {
	if f.WorkerName != "" && f.WorkerName != t.WorkerName {
		return false
	}
	if f.Statuses != 0 && f.Statuses&t.Status == 0 {
		return false
	}
	return t.Options.Contains(f.Options)
}
