// Package errors defines the typed failures surfaced to chat clients.
//
// Error Handling Guidelines:
//
// For domain packages (identity, rooms, messages, consent):
//   - Return *Error values built with New so the gateway can forward the
//     wire code to the originating connection.
//   - Wrap unexpected failures with fmt.Errorf("context: %w", err) and let
//     the caller decide how to log and respond.
//
// For websocket handlers:
//   - Use logger.ErrorErr() + client.SendError() + return err
//   - Never mutate state after deciding to fail: every operation either
//     fully succeeds and broadcasts, or fully fails and broadcasts nothing.
package errors

import "errors"

// wire-level error codes surfaced to clients
const (
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeWrongPassword           = "WRONG_PASSWORD"
	CodeSessionFull             = "SESSION_FULL"
	CodeForbidden               = "FORBIDDEN"
	CodeInvalidDuration         = "INVALID_DURATION"
	CodeInvalidMaxParticipants  = "INVALID_MAX_PARTICIPANTS"
	CodeEmptyMessage            = "EMPTY_MESSAGE"
	CodeInvalidEncryptedPayload = "INVALID_ENCRYPTED_PAYLOAD"
	CodeMessageNotFound         = "MESSAGE_NOT_FOUND"
	CodeEditWindowExpired       = "EDIT_WINDOW_EXPIRED"
	CodeNotInSession            = "NOT_IN_SESSION"
	CodeTargetOffline           = "TARGET_OFFLINE"
	CodeRequestNotFound         = "REQUEST_NOT_FOUND"
	CodeInvalidTarget           = "INVALID_TARGET"
	CodeInvalidPayload          = "INVALID_PAYLOAD"
	CodeTooManyRequests         = "TOO_MANY_REQUESTS"
	CodeUnknownError            = "UNKNOWN_ERROR"
)

// Error is a client-visible failure with a stable wire code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// returns a new client-visible error
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// extracts the wire code from err; untyped errors map to UNKNOWN_ERROR
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknownError
}

// extracts the client-facing message from err; untyped errors get a
// generic message so internals never leak to clients
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Something went wrong."
}

// reports whether err carries the given wire code
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
