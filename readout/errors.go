// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures reported by this package.
//
// ErrorKind values are errors themselves and may be used as targets of
// errors.Is:
//
//	if errors.Is(err, readout.ErrQueueFull) { ... }
type ErrorKind uint8

const (
	ErrUnknown          ErrorKind = iota
	ErrMemoryMap                  // BAR or buffer mapping failed.
	ErrPda                        // low-level driver failure.
	ErrInvalidParameter           // out-of-range buffer or configuration.
	ErrQueueFull                  // descriptor ring is full.
	ErrNotReady                   // front superpage not completed yet.
	ErrTimeout                    // hardware did not acknowledge in time.
	ErrParse                      // malformed textual input.
	ErrCardState                  // operation not allowed in current DMA state.
)

var kindNames = [...]string{
	ErrUnknown:          "unknown error",
	ErrMemoryMap:        "memory map error",
	ErrPda:              "pda error",
	ErrInvalidParameter: "invalid parameter",
	ErrQueueFull:        "queue full",
	ErrNotReady:         "not ready",
	ErrTimeout:          "timeout",
	ErrParse:            "parse error",
	ErrCardState:        "invalid card state",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

func (k ErrorKind) Error() string { return "readout: " + k.String() }

// Transient reports whether errors of this kind are part of the normal
// control flow of a DMA session and may be retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrQueueFull, ErrNotReady:
		return true
	}
	return false
}

// Error is the structured error returned by this package.
type Error struct {
	Kind   ErrorKind
	Op     string // operation that failed
	Offset int64  // register or buffer byte offset, -1 when irrelevant
	Err    error  // underlying error, may be nil
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Err: err}
}

func (e *Error) Error() string {
	msg := "readout: " + e.Op + ": " + e.Kind.String()
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" (offset=0x%x)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the ErrorKind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error found in err's chain,
// ErrUnknown otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ErrUnknown
}

// IsTransient reports whether err is a transient DMA condition.
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}
