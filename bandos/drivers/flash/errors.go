package flash

import (
	"errors"
	"fmt"
)

var (
	ErrEraseFailed = errors.New("flash: erase failed")
	ErrStopped     = errors.New("flash: driver stopped")
	ErrNotReady    = errors.New("flash: driver not initialised")

	// ErrErasing rejects a write into the region of the running erase.
	ErrErasing = errors.New("flash: region is being erased")
)

// Status is the outcome of one logical erase request.
type Status uint8

const (
	StatusSuccess Status = iota
	// StatusNoActionRequired means the region was already blank and no
	// erase command was issued.
	StatusNoActionRequired
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoActionRequired:
		return "no action required"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Err maps the status to nil or ErrEraseFailed.
func (s Status) Err() error {
	if s == StatusError {
		return ErrEraseFailed
	}
	return nil
}

// EraseCallback receives the outcome of an asynchronous erase. It is called
// exactly once, with no driver lock or erase token held.
type EraseCallback func(Status)

// RangeError reports an access outside the chip.
type RangeError struct {
	Op   string
	Addr uint32
	Len  uint32
	Size uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("flash: %s [%#x, +%d) outside %d-byte chip", e.Op, e.Addr, e.Len, e.Size)
}

// AlignmentError reports an address that must sit on an erase boundary.
type AlignmentError struct {
	Op    string
	Addr  uint32
	Align uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("flash: %s address %#x not aligned to %d bytes", e.Op, e.Addr, e.Align)
}
