// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped device and buffer regions.
package mmap // import "github.com/go-lpc/roc/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when accessing a handle that has been unmapped.
var ErrClosed = errors.New("mmap: closed")

// Handle is a memory-mapped region.
//
// 32-bit accesses through ReadU32 and WriteU32 are performed with atomic
// loads and stores: they are issued in program order and never merged,
// as required for device registers.
type Handle struct {
	data  []byte
	unmap func([]byte) error
}

// HandleFrom wraps a region obtained from unix.Mmap.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data, unmap: unix.Munmap}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// HandleFromBytes wraps a plain Go slice (e.g. a simulated device).
// Closing the handle does not release the memory.
func HandleFromBytes(data []byte) *Handle {
	return &Handle{data: data, unmap: func([]byte) error { return nil }}
}

// Map maps size bytes of the file fd, starting at offset off.
func Map(fd uintptr, off int64, size int) (*Handle, error) {
	data, err := unix.Mmap(
		int(fd), off, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %d bytes at 0x%x: %w", size, off, err)
	}
	if data == nil || len(data) != size {
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}
	return HandleFrom(data), nil
}

// Close unmaps the region.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return h.unmap(data)
}

// Len returns the length of the underlying memory-mapped region.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}
	return len(h.data)
}

// Bytes returns the mapped memory.
func (h *Handle) Bytes() []byte {
	return h.data
}

func (h *Handle) word(off int64) (*uint32, error) {
	if h == nil {
		return nil, os.ErrInvalid
	}
	if h.data == nil {
		return nil, ErrClosed
	}
	if off < 0 || off%4 != 0 || off+4 > int64(len(h.data)) {
		return nil, fmt.Errorf("mmap: invalid 32b offset 0x%x", off)
	}
	return (*uint32)(unsafe.Pointer(&h.data[off])), nil
}

// ReadU32 loads the 32-bit word at byte offset off.
func (h *Handle) ReadU32(off int64) (uint32, error) {
	p, err := h.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// WriteU32 stores v at byte offset off.
func (h *Handle) WriteU32(off int64, v uint32) error {
	p, err := h.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, ErrClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
