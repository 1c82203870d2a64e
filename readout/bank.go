// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"errors"
	"fmt"
)

// Region is a mapped BAR region, accessed with 32-bit loads and stores
// at byte offsets.
//
// Implementations must issue every access to the device, in program order.
type Region interface {
	Len() int
	ReadU32(off int64) (uint32, error)
	WriteU32(off int64, v uint32) error
}

// Bank is a bank of 32-bit registers mapped from a BAR.
type Bank struct {
	r Region
	n int // number of words

	err error // first failed access of a register sequence
}

// NewBank creates a register bank over the provided mapped region.
func NewBank(r Region) (*Bank, error) {
	if r == nil || r.Len() < 4 {
		return nil, newError(ErrMemoryMap, "new-bank", fmt.Errorf("BAR region not mapped"))
	}
	return &Bank{r: r, n: r.Len() / 4}, nil
}

// Len returns the number of 32-bit words in the bank.
func (bank *Bank) Len() int { return bank.n }

func (bank *Bank) check(op string, word int) error {
	if bank == nil || bank.r == nil {
		return newError(ErrMemoryMap, op, fmt.Errorf("BAR region not mapped"))
	}
	if word < 0 || word >= bank.n {
		err := newError(ErrInvalidParameter, op, fmt.Errorf("word %d out of range [0, %d)", word, bank.n))
		err.Offset = int64(word) * 4
		return err
	}
	return nil
}

// Read loads the register at the provided word offset.
func (bank *Bank) Read(word int) (uint32, error) {
	const op = "read"
	err := bank.check(op, word)
	if err != nil {
		return 0, err
	}
	v, err := bank.r.ReadU32(int64(word) * 4)
	if err != nil {
		return 0, bank.mapErr(op, word, err)
	}
	return v, nil
}

// Write stores v into the register at the provided word offset.
func (bank *Bank) Write(word int, v uint32) error {
	const op = "write"
	err := bank.check(op, word)
	if err != nil {
		return err
	}
	err = bank.r.WriteU32(int64(word)*4, v)
	if err != nil {
		return bank.mapErr(op, word, err)
	}
	return nil
}

func (bank *Bank) mapErr(op string, word int, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	e = newError(ErrMemoryMap, op, err)
	e.Offset = int64(word) * 4
	return e
}

// Err returns the first error recorded by a register accessor.
func (bank *Bank) Err() error { return bank.err }

func (bank *Bank) readU32(word int) uint32 {
	if bank.err != nil {
		return 0
	}
	var v uint32
	v, bank.err = bank.Read(word)
	return v
}

func (bank *Bank) writeU32(word int, v uint32) {
	if bank.err != nil {
		return
	}
	bank.err = bank.Write(word, v)
}

// reg32 is a register accessor.
// Failed accesses are recorded in the bank and turn subsequent accesses
// into no-ops.
type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(bank *Bank, word int) reg32 {
	return reg32{
		r: func() uint32 {
			return bank.readU32(word)
		},
		w: func(v uint32) {
			bank.writeU32(word, v)
		},
	}
}

// set writes v into the register unless it already holds v.
// set reports whether the register was written.
func (reg reg32) set(v uint32, force bool) bool {
	if !force && reg.r() == v {
		return false
	}
	reg.w(v)
	return true
}

// setBits updates the bits of mask in the register so they match v.
func (reg reg32) setBits(mask, v uint32, force bool) bool {
	cur := reg.r()
	want := (cur &^ mask) | (v & mask)
	if !force && cur == want {
		return false
	}
	reg.w(want)
	return true
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
