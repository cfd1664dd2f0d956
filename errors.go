package sensorlog

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the sensorlog package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrServerRunning is returned when Start is called on a running server.
	ErrServerRunning = errors.New("server already running")

	// ErrTruncatedFrame is returned when a connection closes before a frame
	// delimiter arrives.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrBadAck is returned when the server replies with anything other than
	// the acknowledgment token.
	ErrBadAck = errors.New("invalid acknowledgment")

	// ErrQueryCanceled is returned when a query is canceled via context.
	ErrQueryCanceled = errors.New("query canceled")
)

// StorageErrorType categorizes storage failures.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeFlush indicates a buffer flush failure.
	StorageErrorTypeFlush
	// StorageErrorTypeRotate indicates a rotation failure.
	StorageErrorTypeRotate
	// StorageErrorTypeOpen indicates a segment open failure.
	StorageErrorTypeOpen
	// StorageErrorTypeArchive indicates an archival failure.
	StorageErrorTypeArchive
)

// StorageError provides detailed information about storage failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// ProtocolErrorType categorizes wire protocol failures.
type ProtocolErrorType int

const (
	// ProtocolErrorTypeUnknown is an unclassified protocol error.
	ProtocolErrorTypeUnknown ProtocolErrorType = iota
	// ProtocolErrorTypeFraming indicates a framing-level failure.
	ProtocolErrorTypeFraming
	// ProtocolErrorTypeSyntax indicates the frame is not valid JSON.
	ProtocolErrorTypeSyntax
	// ProtocolErrorTypeField indicates a missing or uncoercible field.
	ProtocolErrorTypeField
)

// ProtocolError provides detailed information about a rejected message.
type ProtocolError struct {
	Type    ProtocolErrorType
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// newProtocolError creates a new ProtocolError.
func newProtocolError(errType ProtocolErrorType, message string, cause error) *ProtocolError {
	return &ProtocolError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}
