// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
)

// Superpage is a region of the DMA buffer of a channel, described by its
// offset and size relative to the start of the buffer.
type Superpage struct {
	Offset   uint64
	Size     uint64
	Received uint64 // number of bytes written by the card
	Ready    bool   // whether the card completed the transfer
}

// entry is a superpage in flight, as submitted to the card.
type entry struct {
	sp  Superpage
	bus uint64 // bus address of the superpage
	seq uint64 // submission sequence number
}

// ring is a fixed-capacity FIFO of superpages submitted to a DMA engine.
//
// Entries complete in submission order: the ready entries are always the
// oldest ones.
type ring struct {
	slots []entry
	mask  int
	head  int // index of the oldest entry
	n     int // number of entries
	ready int // number of ready entries

	seq  uint64 // sequence number of the next submission
	last uint32 // last observed value of the completion counter
}

func newRing(size int) (ring, error) {
	if size <= 0 || size&(size-1) != 0 {
		return ring{}, fmt.Errorf("ring capacity %d is not a power of two", size)
	}
	return ring{
		slots: make([]entry, size),
		mask:  size - 1,
	}, nil
}

func (r *ring) cap() int { return len(r.slots) }
func (r *ring) len() int { return r.n }
func (r *ring) full() bool { return r.n == len(r.slots) }

// reset drops all entries and sets the baseline of the completion counter.
func (r *ring) reset(count uint32) {
	for i := range r.slots {
		r.slots[i] = entry{}
	}
	r.head = 0
	r.n = 0
	r.ready = 0
	r.last = count
}

// push submits sp through the provided doorbell function.
// The ring is left untouched if submit fails.
func (r *ring) push(sp Superpage, bus uint64, submit func(slot int) error) error {
	if r.full() {
		return newError(ErrQueueFull, "push-superpage", fmt.Errorf("%d superpages in flight", r.n))
	}
	slot := (r.head + r.n) & r.mask
	err := submit(slot)
	if err != nil {
		return err
	}
	sp.Ready = false
	sp.Received = 0
	r.slots[slot] = entry{sp: sp, bus: bus, seq: r.seq}
	r.seq++
	r.n++
	return nil
}

// poll marks as ready the entries completed since the last poll, given
// the current value of the completion counter.
// It returns the number of newly ready entries.
//
// The counter is trusted: a value going backwards reads as a full wrap
// of the counter and completes every outstanding entry.
func (r *ring) poll(count uint32) int {
	var (
		delta    = int64(count - r.last)
		inflight = int64(r.n - r.ready)
	)
	r.last = count
	if delta > inflight {
		delta = inflight
	}
	k := int(delta)
	for i := 0; i < k; i++ {
		e := &r.slots[(r.head+r.ready)&r.mask]
		e.sp.Ready = true
		e.sp.Received = e.sp.Size
		r.ready++
	}
	return k
}

// front returns the oldest entry.
func (r *ring) front() (Superpage, bool) {
	if r.n == 0 {
		return Superpage{}, false
	}
	return r.slots[r.head].sp, true
}

// pop removes the oldest entry, provided it is ready.
func (r *ring) pop() (Superpage, error) {
	const op = "pop-superpage"
	if r.n == 0 {
		return Superpage{}, newError(ErrNotReady, op, fmt.Errorf("no superpage in flight"))
	}
	e := r.slots[r.head]
	if !e.sp.Ready {
		return Superpage{}, newError(ErrNotReady, op, fmt.Errorf("superpage #%d not completed", e.seq))
	}
	r.slots[r.head] = entry{}
	r.head = (r.head + 1) & r.mask
	r.n--
	r.ready--
	return e.sp, nil
}

// drain removes and returns all the entries, oldest first.
func (r *ring) drain() []Superpage {
	if r.n == 0 {
		r.reset(r.last)
		return nil
	}
	sps := make([]Superpage, 0, r.n)
	for i := 0; i < r.n; i++ {
		sps = append(sps, r.slots[(r.head+i)&r.mask].sp)
	}
	r.reset(r.last)
	return sps
}
