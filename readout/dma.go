// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
)

// Buffer is the pinned host memory superpages are carved from.
type Buffer interface {
	// Size returns the size of the buffer in bytes.
	Size() uint64
	// BusAddress returns the bus address of the size bytes starting at
	// offset off. It fails if the range is not contiguous on the bus.
	BusAddress(off, size uint64) (uint64, error)
}

// DMAChannel transfers data from a card into superpages of a buffer.
//
// Completions are only collected when FillSuperpages is called.
// While a superpage is in flight, its memory belongs to the card and
// must not be touched by the caller.
type DMAChannel struct {
	bar Bar
	eng dmaEngine
	buf Buffer
	cfg Config

	ring    ring
	started bool
}

// NewDMAChannel creates a DMA channel transferring data from bar into buf.
func NewDMAChannel(bar Bar, buf Buffer, opts ...Option) (*DMAChannel, error) {
	const op = "new-dma-channel"
	if bar == nil {
		return nil, newError(ErrInvalidParameter, op, fmt.Errorf("nil BAR"))
	}
	eng, ok := bar.(dmaEngine)
	if !ok {
		return nil, newError(ErrInvalidParameter, op, fmt.Errorf("BAR %T has no DMA engine", bar))
	}
	if buf == nil || buf.Size() == 0 {
		return nil, newError(ErrInvalidParameter, op, fmt.Errorf("empty DMA buffer"))
	}

	cfg := NewConfig(opts...)
	rg, err := newRing(cfg.RingSize)
	if err != nil {
		return nil, newError(ErrInvalidParameter, op, err)
	}

	return &DMAChannel{
		bar:  bar,
		eng:  eng,
		buf:  buf,
		cfg:  cfg,
		ring: rg,
	}, nil
}

// Bar returns the BAR the channel is bound to.
func (ch *DMAChannel) Bar() Bar { return ch.bar }

// Started reports whether DMA is enabled.
func (ch *DMAChannel) Started() bool { return ch.started }

// StartDMA enables the DMA engine and waits for the card to acknowledge.
func (ch *DMAChannel) StartDMA() error {
	const op = "start-dma"
	if ch.started {
		return newError(ErrCardState, op, fmt.Errorf("DMA already started"))
	}

	err := ch.eng.dmaStart()
	if err != nil {
		return err
	}

	err = waitFor(op, ch.cfg.ReadyTimeout, ch.cfg.PollInterval, ch.eng.dmaReady)
	if err != nil {
		_ = ch.eng.dmaStop()
		return err
	}

	count, err := ch.eng.dmaCompleted()
	if err != nil {
		_ = ch.eng.dmaStop()
		return err
	}

	ch.ring.reset(count)
	ch.started = true
	return nil
}

// StopDMA disables the DMA engine.
// Superpages still held by the channel are returned to the caller,
// oldest first; the content of those not marked as ready is undefined.
func (ch *DMAChannel) StopDMA() ([]Superpage, error) {
	if !ch.started {
		return nil, nil
	}
	ch.started = false
	sps := ch.ring.drain()
	err := ch.eng.dmaStop()
	if err != nil {
		return sps, err
	}
	return sps, nil
}

// ResetChannel resets the DMA engine of the card.
// DMA must be stopped.
func (ch *DMAChannel) ResetChannel(lvl ResetLevel) error {
	const op = "reset-channel"
	if ch.started {
		return newError(ErrCardState, op, fmt.Errorf("DMA is running"))
	}
	switch lvl {
	case ResetNothing:
		return nil
	case ResetInternal, ResetInternalSiu:
	default:
		return newError(ErrInvalidParameter, op, fmt.Errorf("invalid reset level %v", lvl))
	}

	err := ch.eng.dmaReset(lvl)
	if err != nil {
		return err
	}
	return waitFor(op, ch.cfg.ReadyTimeout, ch.cfg.PollInterval, ch.eng.dmaResetDone)
}

// PushSuperpage hands sp over to the card.
// It fails with ErrQueueFull when the descriptor ring is full.
func (ch *DMAChannel) PushSuperpage(sp Superpage) error {
	const op = "push-superpage"
	end := sp.Offset + sp.Size
	if sp.Size == 0 || end < sp.Offset || end > ch.buf.Size() {
		e := newError(ErrInvalidParameter, op, fmt.Errorf(
			"superpage [0x%x, 0x%x+0x%x) outside of buffer of size 0x%x",
			sp.Offset, sp.Offset, sp.Size, ch.buf.Size(),
		))
		e.Offset = int64(sp.Offset)
		return e
	}
	err := ch.eng.dmaCheck(sp.Size)
	if err != nil {
		return newError(ErrInvalidParameter, op, err)
	}
	bus, err := ch.buf.BusAddress(sp.Offset, sp.Size)
	if err != nil {
		e := newError(ErrInvalidParameter, op, err)
		e.Offset = int64(sp.Offset)
		return e
	}
	if !ch.started {
		return newError(ErrCardState, op, fmt.Errorf("DMA not started"))
	}

	return ch.ring.push(sp, bus, func(slot int) error {
		return ch.eng.dmaPush(slot, bus, sp.Size)
	})
}

// FillSuperpages collects the completions signaled by the card.
// It returns the number of superpages that became ready.
func (ch *DMAChannel) FillSuperpages() (int, error) {
	if !ch.started {
		return 0, nil
	}
	count, err := ch.eng.dmaCompleted()
	if err != nil {
		return 0, err
	}
	return ch.ring.poll(count), nil
}

// Superpage returns the oldest superpage held by the channel, if any.
func (ch *DMAChannel) Superpage() (Superpage, bool) {
	return ch.ring.front()
}

// PopSuperpage removes the oldest superpage from the channel and returns
// it to the caller. It fails with ErrNotReady if that superpage was not
// completed yet.
func (ch *DMAChannel) PopSuperpage() (Superpage, error) {
	return ch.ring.pop()
}

// ReadyQueueSize returns the number of superpages ready to be popped.
func (ch *DMAChannel) ReadyQueueSize() int { return ch.ring.ready }

// TransferQueueAvailable returns the number of superpages that can be
// pushed before the ring is full.
func (ch *DMAChannel) TransferQueueAvailable() int {
	return ch.ring.cap() - ch.ring.len()
}

// Close stops DMA, if needed.
// The BAR is left open.
func (ch *DMAChannel) Close() error {
	_, err := ch.StopDMA()
	if err != nil {
		return fmt.Errorf("readout: could not stop DMA: %w", err)
	}
	return nil
}
