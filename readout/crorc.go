// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"

	"github.com/go-lpc/roc/readout/internal/regs"
)

// CRORC is a BAR of a CRORC card.
type CRORC struct {
	base

	regs struct {
		serial reg32
		cfg    reg32
		id     reg32
		tfLen  reg32
		links  reg32

		csr     reg32
		status  reg32
		addrLo  reg32
		addrHi  reg32
		fifoLen reg32
		done    reg32
	}
}

const (
	crorcCfgMask = regs.CRORC_CFG_QSFP | regs.CRORC_CFG_DYN_OFFSET | regs.CRORC_CFG_TF_DETECTOR
	crorcIDMask  = 0xfff
	crorcTFMask  = 0xfff

	crorcResetMask = regs.CRORC_CSR_RESET | regs.CRORC_CSR_DIU_RESET | regs.CRORC_CSR_SIU_RESET
)

func newCRORC(index int, bank *Bank, cfg Config) *CRORC {
	bar := &CRORC{
		base: base{
			index: index,
			bank:  bank,
			cfg:   cfg,
			links: NewLinkTracker(),
		},
	}
	bar.regs.serial = newReg32(bank, regs.CRORC_SERIAL)
	bar.regs.cfg = newReg32(bank, regs.CRORC_CFG)
	bar.regs.id = newReg32(bank, regs.CRORC_ID)
	bar.regs.tfLen = newReg32(bank, regs.CRORC_TF_LENGTH)
	bar.regs.links = newReg32(bank, regs.CRORC_LINK_STATE)

	bar.regs.csr = newReg32(bank, regs.CRORC_DMA_CSR)
	bar.regs.status = newReg32(bank, regs.CRORC_DMA_STATUS)
	bar.regs.addrLo = newReg32(bank, regs.CRORC_FIFO_ADDRLO)
	bar.regs.addrHi = newReg32(bank, regs.CRORC_FIFO_ADDRHI)
	bar.regs.fifoLen = newReg32(bank, regs.CRORC_FIFO_LEN)
	bar.regs.done = newReg32(bank, regs.CRORC_DONE_COUNT)
	return bar
}

func (*CRORC) CardType() CardType { return CardCRORC }

func (bar *CRORC) Serial() (int32, bool) {
	return bar.serial(regs.CRORC_SERIAL)
}

// SetSerial programs the serial number of the card.
func (bar *CRORC) SetSerial(serial int32) error {
	if uint32(serial) == regs.SerialUnset {
		return newError(ErrInvalidParameter, "set-serial", fmt.Errorf("invalid serial %d", serial))
	}
	bar.regs.serial.w(uint32(serial))
	return bar.check("set-serial")
}

func (bar *CRORC) FirmwareInfo() (string, bool) {
	v, err := bar.bank.Read(regs.CRORC_FW_VERSION)
	if err != nil || v == 0 || v == regs.SerialUnset {
		return "", false
	}
	return fmt.Sprintf("%d.%d", v>>16, v&0xffff), true
}

// EndpointNumber returns 0: a CRORC exposes a single endpoint.
func (bar *CRORC) EndpointNumber() (int, error) {
	if bar.bank.r == nil {
		return 0, newError(ErrPda, "endpoint-number", fmt.Errorf("BAR closed"))
	}
	return 0, nil
}

func (bar *CRORC) Configure(force bool) error {
	const op = "configure"
	var (
		cfg = bar.cfg
		v   uint32
	)
	if cfg.TimeFrameLength > crorcTFMask {
		return newError(ErrInvalidParameter, op, fmt.Errorf("time-frame length %d out of range", cfg.TimeFrameLength))
	}
	if cfg.CrorcID > crorcIDMask {
		return newError(ErrInvalidParameter, op, fmt.Errorf("crorc id 0x%x out of range", cfg.CrorcID))
	}

	force = force || cfg.Force
	v |= b2u(cfg.QSFPEnabled) * regs.CRORC_CFG_QSFP
	v |= b2u(cfg.DynamicOffset) * regs.CRORC_CFG_DYN_OFFSET
	v |= b2u(cfg.TimeFrameDetection) * regs.CRORC_CFG_TF_DETECTOR

	bar.regs.cfg.setBits(crorcCfgMask, v, force)
	bar.regs.id.setBits(crorcIDMask, uint32(cfg.CrorcID), force)
	bar.regs.tfLen.setBits(crorcTFMask, uint32(cfg.TimeFrameLength), force)

	return bar.check(op)
}

func (bar *CRORC) Report() (ReportInfo, error) {
	var (
		cfg   = bar.regs.cfg.r()
		id    = bar.regs.id.r()
		tfLen = bar.regs.tfLen.r()
		state = bar.regs.links.r()
	)
	err := bar.check("report")
	if err != nil {
		return ReportInfo{}, err
	}

	info := ReportInfo{
		TTCClock:           ClockLocal,
		DynamicOffset:      cfg&regs.CRORC_CFG_DYN_OFFSET != 0,
		DownstreamData:     DownstreamCTP,
		Links:              make(map[int]Link, regs.CRORC_NUM_LINKS),
		QSFPEnabled:        cfg&regs.CRORC_CFG_QSFP != 0,
		TimeFrameDetection: cfg&regs.CRORC_CFG_TF_DETECTOR != 0,
		TimeFrameLength:    uint16(tfLen & crorcTFMask),
		CrorcID:            uint16(id & crorcIDMask),
	}
	for i := 0; i < regs.CRORC_NUM_LINKS; i++ {
		up := (state>>i)&1 == 1
		info.Links[i] = Link{
			ID:      i,
			Enabled: true,
			Status:  bar.links.Update(i, up),
		}
	}
	return info, nil
}

func (bar *CRORC) dmaCheck(size uint64) error {
	if size == 0 || size%4 != 0 || size/4 > regs.CRORC_MAX_WORDS {
		return fmt.Errorf("invalid CRORC superpage size %d", size)
	}
	return nil
}

func (bar *CRORC) dmaStart() error {
	bar.regs.csr.setBits(regs.CRORC_CSR_ENABLE, regs.CRORC_CSR_ENABLE, true)
	return bar.check("start-dma")
}

func (bar *CRORC) dmaReady() (bool, error) {
	v := bar.regs.status.r()
	return v&regs.CRORC_STATUS_READY != 0, bar.check("dma-ready")
}

func (bar *CRORC) dmaStop() error {
	bar.regs.csr.setBits(regs.CRORC_CSR_ENABLE, 0, true)
	return bar.check("stop-dma")
}

func (bar *CRORC) dmaReset(lvl ResetLevel) error {
	bits := uint32(regs.CRORC_CSR_RESET | regs.CRORC_CSR_DIU_RESET)
	if lvl.IncludesExternal() {
		bits |= regs.CRORC_CSR_SIU_RESET
	}
	bar.regs.csr.setBits(bits, bits, true)
	return bar.check("reset-channel")
}

// dmaResetDone reports whether the card cleared all the reset bits.
func (bar *CRORC) dmaResetDone() (bool, error) {
	v := bar.regs.csr.r()
	return v&crorcResetMask == 0, bar.check("reset-channel")
}

func (bar *CRORC) dmaPush(slot int, bus, size uint64) error {
	bar.regs.addrLo.w(uint32(bus))
	bar.regs.addrHi.w(uint32(bus >> 32))
	bar.regs.fifoLen.w(uint32(size / 4))
	return bar.check("push-superpage")
}

func (bar *CRORC) dmaCompleted() (uint32, error) {
	v := bar.regs.done.r()
	return v, bar.check("fill-superpages")
}
