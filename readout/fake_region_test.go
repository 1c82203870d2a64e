// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
	"testing"

	"github.com/go-lpc/roc/readout/internal/regs"
)

type access struct {
	word int
	v    uint32
}

// fakeRegion is an in-memory BAR region recording all accesses.
type fakeRegion struct {
	words  []uint32
	reads  int
	writes []access
	err    error // returned by all accesses, when set

	onRead  func(word int, v uint32) uint32
	onWrite func(word int, v uint32)
}

func newFakeRegion(nwords int) *fakeRegion {
	return &fakeRegion{words: make([]uint32, nwords)}
}

func (r *fakeRegion) Len() int { return 4 * len(r.words) }

func (r *fakeRegion) ReadU32(off int64) (uint32, error) {
	if r.err != nil {
		return 0, r.err
	}
	if off < 0 || off%4 != 0 || off/4 >= int64(len(r.words)) {
		return 0, fmt.Errorf("fake: invalid offset 0x%x", off)
	}
	r.reads++
	word := int(off / 4)
	v := r.words[word]
	if r.onRead != nil {
		v = r.onRead(word, v)
	}
	return v, nil
}

func (r *fakeRegion) WriteU32(off int64, v uint32) error {
	if r.err != nil {
		return r.err
	}
	if off < 0 || off%4 != 0 || off/4 >= int64(len(r.words)) {
		return fmt.Errorf("fake: invalid offset 0x%x", off)
	}
	word := int(off / 4)
	r.writes = append(r.writes, access{word, v})
	r.words[word] = v
	if r.onWrite != nil {
		r.onWrite(word, v)
	}
	return nil
}

// nwrites returns the number of writes to word.
func (r *fakeRegion) nwrites(word int) int {
	n := 0
	for _, w := range r.writes {
		if w.word == word {
			n++
		}
	}
	return n
}

const fakeBarWords = 0x400

// descriptor is a superpage descriptor as seen by a fake card.
type descriptor struct {
	slot int
	bus  uint64
	size uint64
}

// fakeCard emulates the DMA engine of a card.
type fakeCard struct {
	typ    CardType
	reg    *fakeRegion
	ready  bool // whether the engine acknowledges a DMA start
	descs  []descriptor
	resets []uint32 // reset bits seen by the card
}

func newFakeCard(typ CardType) *fakeCard {
	card := &fakeCard{
		typ:   typ,
		reg:   newFakeRegion(fakeBarWords),
		ready: true,
	}
	card.reg.onWrite = card.write
	return card
}

func (card *fakeCard) write(word int, v uint32) {
	words := card.reg.words
	switch card.typ {
	case CardCRORC:
		switch word {
		case regs.CRORC_DMA_CSR:
			if v&regs.CRORC_CSR_ENABLE != 0 && card.ready {
				words[regs.CRORC_DMA_STATUS] |= regs.CRORC_STATUS_READY
			}
			if v&regs.CRORC_CSR_ENABLE == 0 {
				words[regs.CRORC_DMA_STATUS] &^= regs.CRORC_STATUS_READY
			}
			if bits := v & crorcResetMask; bits != 0 {
				card.resets = append(card.resets, bits)
				words[regs.CRORC_DMA_CSR] &^= crorcResetMask
			}
		case regs.CRORC_FIFO_LEN:
			bus := uint64(words[regs.CRORC_FIFO_ADDRHI])<<32 | uint64(words[regs.CRORC_FIFO_ADDRLO])
			card.descs = append(card.descs, descriptor{
				slot: len(card.descs),
				bus:  bus,
				size: uint64(v) * 4,
			})
		}
	case CardCRU:
		switch word {
		case regs.CRU_DMA_CTRL:
			if v&regs.CRU_CTRL_ENABLE != 0 && card.ready {
				words[regs.CRU_DMA_STATUS] |= regs.CRU_STATUS_READY
			}
			if v&regs.CRU_CTRL_ENABLE == 0 {
				words[regs.CRU_DMA_STATUS] &^= regs.CRU_STATUS_READY
			}
			if v&regs.CRU_CTRL_RESET != 0 {
				card.resets = append(card.resets, regs.CRU_CTRL_RESET)
				words[regs.CRU_DMA_CTRL] &^= regs.CRU_CTRL_RESET
			}
		case regs.CRU_DOORBELL:
			bus := uint64(words[regs.CRU_DESC_ADDRHI])<<32 | uint64(words[regs.CRU_DESC_ADDRLO])
			card.descs = append(card.descs, descriptor{
				slot: int(v),
				bus:  bus,
				size: uint64(words[regs.CRU_DESC_PAGES]) * regs.CRU_PAGE_SIZE,
			})
		}
	}
}

// complete signals the completion of n more superpages.
func (card *fakeCard) complete(n uint32) {
	word := regs.CRU_DONE_COUNT
	if card.typ == CardCRORC {
		word = regs.CRORC_DONE_COUNT
	}
	card.reg.words[word] += n
}

func (card *fakeCard) bar(t testing.TB, opts ...Option) Bar {
	t.Helper()
	bar, err := NewBar(card.typ, 0, card.reg, opts...)
	if err != nil {
		t.Fatalf("could not create %v BAR: %+v", card.typ, err)
	}
	return bar
}

// fakeBuffer is a DMA buffer with a linear bus address space.
type fakeBuffer struct {
	size uint64
	base uint64
}

func (buf fakeBuffer) Size() uint64 { return buf.size }

func (buf fakeBuffer) BusAddress(off, size uint64) (uint64, error) {
	if off+size > buf.size {
		return 0, fmt.Errorf("fake: range outside of buffer")
	}
	return buf.base + off, nil
}
