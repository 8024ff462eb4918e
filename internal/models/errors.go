package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure that can be reported to a client.
type ErrorCode string

const (
	CodeInvalidToken        ErrorCode = "InvalidToken"
	CodeUnauthorized        ErrorCode = "Unauthorized"
	CodeNotRegistered       ErrorCode = "NotRegistered"
	CodeNotFound            ErrorCode = "NotFound"
	CodeAlreadyExists       ErrorCode = "AlreadyExists"
	CodeAlreadyRegistered   ErrorCode = "AlreadyRegistered"
	CodeFull                ErrorCode = "Full"
	CodeClosed              ErrorCode = "Closed"
	CodeSelfConsume         ErrorCode = "SelfConsume"
	CodeResourceUnavailable ErrorCode = "ResourceUnavailable"
	CodeParseError          ErrorCode = "ParseError"
	CodeNoTransport         ErrorCode = "NoTransport"
	CodeNotInRoom           ErrorCode = "NotInRoom"
	CodeInternal            ErrorCode = "Internal"
)

// Error is a coded error. Two Errors match under errors.Is when their codes are equal,
// so callers compare against the sentinels below regardless of the message.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidToken        = &Error{Code: CodeInvalidToken, Msg: "invalid token"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Msg: "unauthorized"}
	ErrNotRegistered       = &Error{Code: CodeNotRegistered, Msg: "peer not registered"}
	ErrNotFound            = &Error{Code: CodeNotFound, Msg: "not found"}
	ErrAlreadyExists       = &Error{Code: CodeAlreadyExists, Msg: "already exists"}
	ErrAlreadyRegistered   = &Error{Code: CodeAlreadyRegistered, Msg: "connection already registered"}
	ErrFull                = &Error{Code: CodeFull, Msg: "room is full"}
	ErrClosed              = &Error{Code: CodeClosed, Msg: "room is closed"}
	ErrSelfConsume         = &Error{Code: CodeSelfConsume, Msg: "cannot consume own producer"}
	ErrResourceUnavailable = &Error{Code: CodeResourceUnavailable, Msg: "media resource unavailable"}
	ErrParse               = &Error{Code: CodeParseError, Msg: "parse error"}
	ErrNoTransport         = &Error{Code: CodeNoTransport, Msg: "transport not created"}
	ErrNotInRoom           = &Error{Code: CodeNotInRoom, Msg: "peer is not in a room"}
)

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or CodeInternal for uncoded errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
