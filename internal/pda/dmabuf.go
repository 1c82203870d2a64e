// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pda

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-lpc/roc/internal/mmap"
)

const pagemapFile = "/proc/self/pagemap"

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// DMABuffer is a pinned memory buffer a card can write into.
//
// The buffer is backed by a file, usually living on a hugetlbfs mount
// so that superpages are physically contiguous.
// Bus addresses are taken to be physical addresses: the IOMMU, if any,
// must be in pass-through mode.
type DMABuffer struct {
	f    *os.File
	h    *mmap.Handle
	page uint64
	phys []uint64 // physical address of each page
}

// NewDMABuffer creates, maps and pins a DMA buffer of size bytes backed
// by the file fname.
func NewDMABuffer(fname string, size int) (*DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pda: invalid DMA buffer size %d", size)
	}

	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("pda: could not open DMA buffer file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	err = f.Truncate(int64(size))
	if err != nil {
		return nil, fmt.Errorf("pda: could not resize DMA buffer file: %w", err)
	}

	h, err := mmap.Map(f.Fd(), 0, size)
	if err != nil {
		return nil, fmt.Errorf("pda: could not map DMA buffer: %w", err)
	}
	defer func() {
		if err != nil {
			_ = h.Close()
		}
	}()

	var (
		data = h.Bytes()
		page = os.Getpagesize()
	)
	// fault in every page before pinning and resolving them.
	for i := 0; i < len(data); i += page {
		data[i] = 0
	}
	err = unix.Mlock(data)
	if err != nil {
		return nil, fmt.Errorf("pda: could not lock DMA buffer: %w", err)
	}

	pm, err := os.Open(pagemapFile)
	if err != nil {
		return nil, fmt.Errorf("pda: could not open pagemap: %w", err)
	}
	defer pm.Close()

	phys, err := resolvePages(pm, uintptr(unsafe.Pointer(&data[0])), len(data), page)
	if err != nil {
		_ = unix.Munlock(data)
		return nil, fmt.Errorf("pda: could not resolve DMA buffer pages: %w", err)
	}

	return &DMABuffer{
		f:    f,
		h:    h,
		page: uint64(page),
		phys: phys,
	}, nil
}

// resolvePages returns the physical addresses of the pages of the
// virtual range [vaddr, vaddr+size), read from a pagemap file.
func resolvePages(pm io.ReaderAt, vaddr uintptr, size, page int) ([]uint64, error) {
	if vaddr%uintptr(page) != 0 {
		return nil, fmt.Errorf("address 0x%x not page aligned", vaddr)
	}
	var (
		n   = (size + page - 1) / page
		raw = make([]byte, 8*n)
		off = int64(vaddr/uintptr(page)) * 8
	)
	_, err := pm.ReadAt(raw, off)
	if err != nil {
		return nil, fmt.Errorf("could not read pagemap: %w", err)
	}

	phys := make([]uint64, n)
	for i := range phys {
		e := binary.LittleEndian.Uint64(raw[8*i:])
		if e&pagemapPresent == 0 {
			return nil, fmt.Errorf("page %d not present", i)
		}
		pfn := e & pagemapPFNMask
		if pfn == 0 {
			return nil, fmt.Errorf("no page frame number for page %d (missing CAP_SYS_ADMIN?)", i)
		}
		phys[i] = pfn * uint64(page)
	}
	return phys, nil
}

// Size returns the size of the buffer in bytes.
func (buf *DMABuffer) Size() uint64 { return uint64(buf.h.Len()) }

// Bytes returns the memory of the buffer.
func (buf *DMABuffer) Bytes() []byte { return buf.h.Bytes() }

// ReadAt copies the content of the buffer at offset off into p.
func (buf *DMABuffer) ReadAt(p []byte, off int64) (int, error) {
	return buf.h.ReadAt(p, off)
}

// BusAddress returns the bus address of the range [off, off+size) of the
// buffer. The range must be physically contiguous.
func (buf *DMABuffer) BusAddress(off, size uint64) (uint64, error) {
	return busAddress(buf.phys, buf.page, off, size)
}

func busAddress(phys []uint64, page, off, size uint64) (uint64, error) {
	end := off + size
	if size == 0 || end < off || end > uint64(len(phys))*page {
		return 0, fmt.Errorf("pda: range [0x%x, 0x%x) outside of DMA buffer", off, end)
	}
	var (
		beg  = off / page
		last = (end - 1) / page
	)
	for i := beg; i < last; i++ {
		if phys[i+1] != phys[i]+page {
			return 0, fmt.Errorf("pda: range [0x%x, 0x%x) not physically contiguous at page %d", off, end, i+1)
		}
	}
	return phys[beg] + off%page, nil
}

// Close unpins and unmaps the buffer.
// The backing file is left on disk.
func (buf *DMABuffer) Close() error {
	if buf.h.Len() > 0 {
		_ = unix.Munlock(buf.h.Bytes())
	}
	err := buf.h.Close()
	if err != nil {
		_ = buf.f.Close()
		return fmt.Errorf("pda: could not unmap DMA buffer: %w", err)
	}
	err = buf.f.Close()
	if err != nil {
		return fmt.Errorf("pda: could not close DMA buffer file: %w", err)
	}
	return nil
}

var _ io.ReaderAt = (*DMABuffer)(nil)
