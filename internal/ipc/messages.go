package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"maintflow/internal/domain"
)

type MessageType string

const (
	TypeSchedule MessageType = "schedule"
	TypeList     MessageType = "list"
	TypeCancel   MessageType = "cancel"
)

// Error codes carried in Response.Error.
const (
	CodeInvalid     = "invalid"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// Envelope is one request sent to the scheduler process.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers the Envelope with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// RemoteError is a typed failure reported by the scheduler process.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("scheduler: %s", e.Message)
}

// Is lets callers test remote failures against the domain sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeInvalid:
		return target == domain.ErrInvalid
	case CodeNotFound:
		return target == domain.ErrNotFound
	case CodeConflict:
		return target == domain.ErrConflict
	case CodeUnavailable:
		return target == domain.ErrUnavailable
	}
	return false
}

// errorCode classifies err for the wire.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return CodeInvalid
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	case errors.Is(err, domain.ErrUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}
