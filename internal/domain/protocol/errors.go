// Package protocol defines the error taxonomy shared by the blood-issue and
// MTP domains. A failed transition is clinically significant information, so
// every error carries the entity id, the authoritative current state, and the
// transition that was attempted.
package protocol

import (
	"fmt"
	"net/http"
)

// Code classifies a protocol failure.
type Code string

const (
	CodeInvalidReference   Code = "INVALID_REFERENCE"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeAlreadyTerminal    Code = "ALREADY_TERMINAL"
	CodeConflict           Code = "CONFLICT"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
)

// Error is a protocol failure with clinical context preserved.
type Error struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	EntityID     string `json:"entity_id,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
	Attempted    string `json:"attempted,omitempty"`
}

func (e *Error) Error() string {
	if e.CurrentState != "" && e.Attempted != "" {
		return fmt.Sprintf("%s: %s (entity %s, state %s, attempted %s)",
			e.Code, e.Message, e.EntityID, e.CurrentState, e.Attempted)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the code to the status used at the transport boundary.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound, CodeInvalidReference:
		return http.StatusNotFound
	case CodePreconditionFailed:
		return http.StatusUnprocessableEntity
	case CodeInvalidTransition, CodeAlreadyTerminal, CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func InvalidReference(message string) *Error {
	return &Error{Code: CodeInvalidReference, Message: message}
}

func PreconditionFailed(entityID, state, attempted, message string) *Error {
	return &Error{Code: CodePreconditionFailed, Message: message,
		EntityID: entityID, CurrentState: state, Attempted: attempted}
}

func InvalidTransition(entityID, state, attempted string) *Error {
	return &Error{Code: CodeInvalidTransition,
		Message:  fmt.Sprintf("operation %s is not legal from state %s", attempted, state),
		EntityID: entityID, CurrentState: state, Attempted: attempted}
}

func AlreadyTerminal(entityID, state, attempted string) *Error {
	return &Error{Code: CodeAlreadyTerminal,
		Message:  fmt.Sprintf("record is terminal in state %s and cannot be mutated", state),
		EntityID: entityID, CurrentState: state, Attempted: attempted}
}

func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func InvalidInput(message string) *Error {
	return &Error{Code: CodeInvalidInput, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}
