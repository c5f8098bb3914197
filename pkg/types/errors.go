// Package types defines error types for the document portal.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrEntryNotFound    = errors.New("no entry")
	ErrNotAllowed       = errors.New("not allowed")
	ErrInvalidHandle    = errors.New("invalid file handle")
)

// ErrorKind is the error class surfaced at the RPC boundary.
type ErrorKind string

const (
	KindFailed          ErrorKind = "org.freedesktop.portal.Error.Failed"
	KindInvalidArgument ErrorKind = "org.freedesktop.portal.Error.InvalidArgument"
	KindNotFound        ErrorKind = "org.freedesktop.portal.Error.NotFound"
	KindExists          ErrorKind = "org.freedesktop.portal.Error.Exists"
	KindNotAllowed      ErrorKind = "org.freedesktop.portal.Error.NotAllowed"
	KindCancelled       ErrorKind = "org.freedesktop.portal.Error.Cancelled"
	KindWindowDestroyed ErrorKind = "org.freedesktop.portal.Error.WindowDestroyed"
)

// Kinds lists every ErrorKind.
var Kinds = []ErrorKind{
	KindFailed,
	KindInvalidArgument,
	KindNotFound,
	KindExists,
	KindNotAllowed,
	KindCancelled,
	KindWindowDestroyed,
}

// PortalError is an error with an RPC error kind attached.
type PortalError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *PortalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *PortalError) Unwrap() error {
	return e.Err
}

// Is matches any PortalError of the same kind.
func (e *PortalError) Is(target error) bool {
	var pe *PortalError
	if errors.As(target, &pe) {
		return pe.Kind == e.Kind && pe.Msg == "" && pe.Err == nil
	}
	return false
}

// KindOf returns the kind of err. Errors without a kind are Failed.
func KindOf(err error) ErrorKind {
	var pe *PortalError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrEntryNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotAllowed):
		return KindNotAllowed
	case errors.Is(err, ErrInvalidHandle):
		return KindInvalidArgument
	}
	return KindFailed
}

// Sentinel values usable as errors.Is targets.
var (
	ErrKindFailed          = &PortalError{Kind: KindFailed}
	ErrKindInvalidArgument = &PortalError{Kind: KindInvalidArgument}
	ErrKindNotFound        = &PortalError{Kind: KindNotFound}
	ErrKindExists          = &PortalError{Kind: KindExists}
	ErrKindNotAllowed      = &PortalError{Kind: KindNotAllowed}
	ErrKindCancelled       = &PortalError{Kind: KindCancelled}
)

// Failed returns a Failed error.
func Failed(msg string, err error) error {
	return &PortalError{Kind: KindFailed, Msg: msg, Err: err}
}

// InvalidArgument returns an InvalidArgument error.
func InvalidArgument(msg string) error {
	return &PortalError{Kind: KindInvalidArgument, Msg: msg}
}

// InvalidArgumentf returns an InvalidArgument error with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return &PortalError{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFound error.
func NotFound(msg string) error {
	return &PortalError{Kind: KindNotFound, Msg: msg}
}

// NotAllowed returns a NotAllowed error.
func NotAllowed(msg string) error {
	return &PortalError{Kind: KindNotAllowed, Msg: msg}
}

// NewError builds an error of the given kind, used when decoding remote errors.
func NewError(kind ErrorKind, msg string) error {
	return &PortalError{Kind: kind, Msg: msg}
}
