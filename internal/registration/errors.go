package registration

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is the machine-readable reason a registration operation failed.
type Code string

const (
	CodeEventNotAdmitting Code = "EVENT_NOT_ADMITTING"
	CodeNotEligible       Code = "NOT_ELIGIBLE"
	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"
	CodeDeadlinePassed    Code = "DEADLINE_PASSED"
	CodeEventFull         Code = "EVENT_FULL"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotAuthorized     Code = "NOT_AUTHORIZED"
	CodeConsistencyFault  Code = "CONSISTENCY_FAULT"
	CodeNotFound          Code = "NOT_FOUND"
	CodePersistence       Code = "PERSISTENCE"
)

// HTTPStatus maps a code onto the response status used by the API layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeEventNotAdmitting, CodeDeadlinePassed, CodeEventFull, CodeAlreadyRegistered, CodeInvalidTransition:
		return http.StatusConflict
	case CodeNotEligible, CodeNotAuthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure returned by every service operation.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so callers can test with errors.Is(err, ErrEventFull).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// UserMessage is the text shown to end users. Internal detail never leaks
// for consistency or persistence failures.
func (e *Error) UserMessage() string {
	switch e.Code {
	case CodeEventNotAdmitting:
		return "this event is not open for registration"
	case CodeNotEligible:
		return "you are not eligible to register for this event"
	case CodeAlreadyRegistered:
		return "you already have an active registration for this event"
	case CodeDeadlinePassed:
		if at := e.Metadata["deadline"]; at != "" {
			return "registration closed at " + at
		}
		return "registration for this event has closed"
	case CodeEventFull:
		return "this event has reached capacity"
	case CodeInvalidTransition:
		if from, to := e.Metadata["from"], e.Metadata["action"]; from != "" && to != "" {
			return fmt.Sprintf("a %s registration cannot be %s; refresh and try again", from, to)
		}
		return "this registration can no longer be changed that way"
	case CodeNotAuthorized:
		return "you are not allowed to perform this action"
	case CodeNotFound:
		return "registration or event not found"
	default:
		return "something went wrong, please try again"
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrEventNotAdmitting = &Error{Code: CodeEventNotAdmitting}
	ErrNotEligible       = &Error{Code: CodeNotEligible}
	ErrAlreadyRegistered = &Error{Code: CodeAlreadyRegistered}
	ErrDeadlinePassed    = &Error{Code: CodeDeadlinePassed}
	ErrEventFull         = &Error{Code: CodeEventFull}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized}
	ErrConsistencyFault  = &Error{Code: CodeConsistencyFault}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrPersistence       = &Error{Code: CodePersistence}
)

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func deadlinePassed(eventID string, deadline time.Time) *Error {
	return &Error{
		Code:     CodeDeadlinePassed,
		Message:  fmt.Sprintf("event %s closed for registration", eventID),
		Metadata: map[string]string{"deadline": deadline.UTC().Format(time.RFC3339)},
	}
}

func invalidTransition(from string, action Action) *Error {
	return &Error{
		Code:     CodeInvalidTransition,
		Message:  fmt.Sprintf("cannot %s a registration in status %s", action, from),
		Metadata: map[string]string{"from": from, "action": action.pastTense()},
	}
}

// CodeOf extracts the code of a typed error, or CodePersistence for anything
// else that escaped the service.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodePersistence
}
