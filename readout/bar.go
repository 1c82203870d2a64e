// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
	"io"

	"github.com/go-lpc/roc/internal/pda"
	"github.com/go-lpc/roc/readout/internal/regs"
)

// Bar gives access to the registers of one BAR of a readout card.
type Bar interface {
	// CardType returns the family of the card.
	CardType() CardType
	// Serial returns the serial number of the card, if programmed.
	Serial() (int32, bool)
	// FirmwareInfo returns a description of the loaded firmware, if any.
	FirmwareInfo() (string, bool)
	// EndpointNumber returns the PCIe endpoint number of this BAR.
	EndpointNumber() (int, error)

	// Configure pushes the configuration of the BAR to the hardware.
	// Registers already holding the desired value are left untouched,
	// unless force is true.
	Configure(force bool) error

	// Report returns a snapshot of the card and of its links.
	Report() (ReportInfo, error)

	// ResetStickyBits clears the latched link-down events of the links.
	ResetStickyBits()

	// Index returns the index of the BAR.
	Index() int
	// Bank returns the register bank of the BAR.
	Bank() *Bank

	Close() error
}

// dmaEngine is the family-specific part of a DMA channel.
type dmaEngine interface {
	// dmaCheck reports whether the engine can transfer a superpage of size bytes.
	dmaCheck(size uint64) error
	dmaStart() error
	dmaReady() (bool, error)
	dmaStop() error
	dmaReset(lvl ResetLevel) error
	dmaResetDone() (bool, error)
	// dmaPush writes the descriptor of a superpage and strobes the doorbell.
	dmaPush(slot int, bus, size uint64) error
	// dmaCompleted returns the completion counter of the engine.
	dmaCompleted() (uint32, error)
}

var (
	_ Bar       = (*CRORC)(nil)
	_ Bar       = (*CRU)(nil)
	_ dmaEngine = (*CRORC)(nil)
	_ dmaEngine = (*CRU)(nil)
)

// NewBar creates a BAR of the provided card family over a mapped region.
// The BAR takes ownership of the region: closing the BAR closes the
// region if it implements io.Closer.
func NewBar(typ CardType, index int, r Region, opts ...Option) (Bar, error) {
	bank, err := NewBank(r)
	if err != nil {
		return nil, err
	}

	cfg := NewConfig(opts...)
	switch typ {
	case CardCRORC:
		return newCRORC(index, bank, cfg), nil
	case CardCRU:
		return newCRU(index, bank, cfg), nil
	default:
		return nil, newError(ErrInvalidParameter, "new-bar", fmt.Errorf("invalid card type %v", typ))
	}
}

// CardTypeOf returns the card family of a PCI device.
func CardTypeOf(vendor, device uint16) CardType {
	switch {
	case vendor == regs.CRORC_VENDOR && device == regs.CRORC_DEVICE:
		return CardCRORC
	case vendor == regs.CRU_VENDOR && device == regs.CRU_DEVICE:
		return CardCRU
	default:
		return CardUnknown
	}
}

// Card is a readout card found on the PCI bus.
type Card struct {
	BDF  string
	Type CardType
}

// ListCards returns the readout cards installed on the host, sorted by
// PCI address.
func ListCards() ([]Card, error) {
	return listCards(pda.NewSysfs(""))
}

func listCards(sys *pda.Sysfs) ([]Card, error) {
	devs, err := sys.Devices(
		[2]uint16{regs.CRORC_VENDOR, regs.CRORC_DEVICE},
		[2]uint16{regs.CRU_VENDOR, regs.CRU_DEVICE},
	)
	if err != nil {
		return nil, newError(ErrPda, "list-cards", err)
	}

	cards := make([]Card, len(devs))
	for i, dev := range devs {
		cards[i] = Card{
			BDF:  dev.BDF,
			Type: CardTypeOf(dev.Vendor, dev.Device),
		}
	}
	return cards, nil
}

// OpenBar maps the BAR index of the PCI device identified by its
// bus/device/function address (e.g. "0000:42:00.0").
func OpenBar(bdf string, index int, opts ...Option) (Bar, error) {
	return openBar(pda.NewSysfs(""), bdf, index, opts...)
}

func openBar(sys *pda.Sysfs, bdf string, index int, opts ...Option) (Bar, error) {
	const op = "open-bar"

	dev, err := sys.Device(bdf)
	if err != nil {
		return nil, newError(ErrPda, op, err)
	}

	typ := CardTypeOf(dev.Vendor, dev.Device)
	if typ == CardUnknown {
		return nil, newError(ErrPda, op, fmt.Errorf(
			"device %s (%04x:%04x) is not a readout card",
			dev.BDF, dev.Vendor, dev.Device,
		))
	}

	h, err := sys.MapBar(dev.BDF, index)
	if err != nil {
		return nil, newError(ErrMemoryMap, op, err)
	}

	bar, err := NewBar(typ, index, h, opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return bar, nil
}

// base is the state shared by all BAR families.
type base struct {
	index int
	bank  *Bank
	cfg   Config
	links *LinkTracker
}

func (b *base) Index() int  { return b.index }
func (b *base) Bank() *Bank { return b.bank }

func (b *base) ResetStickyBits() { b.links.ResetStickyBits() }

// Close closes the underlying region.
func (b *base) Close() error {
	if b.bank == nil {
		return nil
	}
	r := b.bank.r
	b.bank.r = nil
	b.bank.err = newError(ErrMemoryMap, "close", fmt.Errorf("BAR closed"))
	if c, ok := r.(io.Closer); ok {
		err := c.Close()
		if err != nil {
			return fmt.Errorf("readout: could not close BAR%d: %w", b.index, err)
		}
	}
	return nil
}

// check returns the error recorded by the register accessors of op.
func (b *base) check(op string) error {
	if b.bank.err == nil {
		return nil
	}
	return newError(ErrPda, op, b.bank.err)
}

func (b *base) serial(word int) (int32, bool) {
	v, err := b.bank.Read(word)
	if err != nil || v == regs.SerialUnset {
		return 0, false
	}
	return int32(v), true
}
