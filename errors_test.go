package sensorlog

import (
	"errors"
	"testing"
)

func TestProtocolErrorMatchesCause(t *testing.T) {
	truncated := newProtocolError(ProtocolErrorTypeFraming, "connection closed mid-frame", ErrTruncatedFrame)
	if !errors.Is(truncated, ErrTruncatedFrame) {
		t.Error("truncation error does not match ErrTruncatedFrame")
	}

	// A framing error wrapping a different cause, such as a read timeout,
	// must not report as truncation.
	timeout := errors.New("read tcp 127.0.0.1:5555: i/o timeout")
	framing := newProtocolError(ProtocolErrorTypeFraming, "frame read failed", timeout)
	if errors.Is(framing, ErrTruncatedFrame) {
		t.Error("timeout framing error matches ErrTruncatedFrame, want no match")
	}
	if !errors.Is(framing, timeout) {
		t.Error("framing error does not match its cause")
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := newStorageError(StorageErrorTypeFlush, "flush buffer", "2024-03-15.csv", cause)
	if !errors.Is(err, cause) {
		t.Error("storage error does not match its cause")
	}

	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatal("errors.As(*StorageError) = false, want true")
	}
	if serr.Type != StorageErrorTypeFlush {
		t.Errorf("Type = %v, want StorageErrorTypeFlush", serr.Type)
	}
}
