// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"

	"github.com/go-lpc/roc/readout/internal/regs"
)

// CRU is a BAR of a CRU card.
type CRU struct {
	base

	regs struct {
		serial   reg32
		endpoint reg32

		clock      reg32
		downstream reg32
		dynOffset  reg32
		tfLen      reg32
		linkEnable reg32
		numLinks   reg32

		ctrl     reg32
		status   reg32
		addrLo   reg32
		addrHi   reg32
		pages    reg32
		doorbell reg32
		done     reg32

		links [regs.CRU_MAX_LINKS]cruLink
	}
}

type cruLink struct {
	gbtMode  reg32
	loopback reg32
	gbtMux   reg32
	datapath reg32
	status   reg32
	rxFreq   reg32
	txFreq   reg32
	power    reg32
}

func newCRULink(bank *Bank, link int) cruLink {
	return cruLink{
		gbtMode:  newReg32(bank, regs.CRULink(link, regs.CRU_LINK_GBT_MODE)),
		loopback: newReg32(bank, regs.CRULink(link, regs.CRU_LINK_LOOPBACK)),
		gbtMux:   newReg32(bank, regs.CRULink(link, regs.CRU_LINK_GBT_MUX)),
		datapath: newReg32(bank, regs.CRULink(link, regs.CRU_LINK_DATAPATH)),
		status:   newReg32(bank, regs.CRULink(link, regs.CRU_LINK_STATUS)),
		rxFreq:   newReg32(bank, regs.CRULink(link, regs.CRU_LINK_RX_FREQ)),
		txFreq:   newReg32(bank, regs.CRULink(link, regs.CRU_LINK_TX_FREQ)),
		power:    newReg32(bank, regs.CRULink(link, regs.CRU_LINK_OPT_PWR)),
	}
}

const cruTFMask = 0xfff

func newCRU(index int, bank *Bank, cfg Config) *CRU {
	bar := &CRU{
		base: base{
			index: index,
			bank:  bank,
			cfg:   cfg,
			links: NewLinkTracker(),
		},
	}
	bar.regs.serial = newReg32(bank, regs.CRU_SERIAL)
	bar.regs.endpoint = newReg32(bank, regs.CRU_ENDPOINT)

	bar.regs.clock = newReg32(bank, regs.CRU_CLOCK)
	bar.regs.downstream = newReg32(bank, regs.CRU_DOWNSTREAM)
	bar.regs.dynOffset = newReg32(bank, regs.CRU_DYN_OFFSET)
	bar.regs.tfLen = newReg32(bank, regs.CRU_TF_LENGTH)
	bar.regs.linkEnable = newReg32(bank, regs.CRU_LINK_ENABLE)
	bar.regs.numLinks = newReg32(bank, regs.CRU_NUM_LINKS)

	bar.regs.ctrl = newReg32(bank, regs.CRU_DMA_CTRL)
	bar.regs.status = newReg32(bank, regs.CRU_DMA_STATUS)
	bar.regs.addrLo = newReg32(bank, regs.CRU_DESC_ADDRLO)
	bar.regs.addrHi = newReg32(bank, regs.CRU_DESC_ADDRHI)
	bar.regs.pages = newReg32(bank, regs.CRU_DESC_PAGES)
	bar.regs.doorbell = newReg32(bank, regs.CRU_DOORBELL)
	bar.regs.done = newReg32(bank, regs.CRU_DONE_COUNT)

	for i := range bar.regs.links {
		bar.regs.links[i] = newCRULink(bank, i)
	}
	return bar
}

func (*CRU) CardType() CardType { return CardCRU }

func (bar *CRU) Serial() (int32, bool) {
	return bar.serial(regs.CRU_SERIAL)
}

func (bar *CRU) FirmwareInfo() (string, bool) {
	var vs [3]uint32
	for i, word := range []int{regs.CRU_FW_DATE, regs.CRU_FW_TIME, regs.CRU_FW_HASH} {
		v, err := bar.bank.Read(word)
		if err != nil {
			return "", false
		}
		vs[i] = v
	}
	if vs[0] == 0 || vs[0] == regs.SerialUnset {
		return "", false
	}
	return fmt.Sprintf("%x-%x-%x", vs[0], vs[1], vs[2]), true
}

func (bar *CRU) EndpointNumber() (int, error) {
	v, err := bar.bank.Read(regs.CRU_ENDPOINT)
	if err != nil {
		return 0, newError(ErrPda, "endpoint-number", err)
	}
	return int(v & 1), nil
}

// nlinks returns the number of physical links of the endpoint.
func (bar *CRU) nlinks() int {
	n := int(bar.regs.numLinks.r())
	if n > regs.CRU_MAX_LINKS {
		n = regs.CRU_MAX_LINKS
	}
	return n
}

func (bar *CRU) Configure(force bool) error {
	const op = "configure"
	cfg := bar.cfg
	if cfg.TimeFrameLength > cruTFMask {
		return newError(ErrInvalidParameter, op, fmt.Errorf("time-frame length %d out of range", cfg.TimeFrameLength))
	}

	force = force || cfg.Force
	bar.regs.clock.set(uint32(cfg.Clock), force)
	bar.regs.downstream.set(uint32(cfg.DownstreamData), force)
	bar.regs.dynOffset.setBits(1, b2u(cfg.DynamicOffset), force)
	bar.regs.tfLen.setBits(cruTFMask, uint32(cfg.TimeFrameLength), force)

	n := bar.nlinks()
	mask := uint32(cfg.LinkMask & (1<<uint(n) - 1))
	bar.regs.linkEnable.set(mask, force)
	for i := 0; i < n; i++ {
		if (mask>>i)&1 == 0 {
			continue
		}
		link := &bar.regs.links[i]
		link.datapath.set(uint32(cfg.DatapathMode), force)
		link.gbtMux.set(uint32(cfg.GBTMux), force)
		link.loopback.setBits(1, b2u(cfg.Loopback), force)
	}

	return bar.check(op)
}

func (bar *CRU) Report() (ReportInfo, error) {
	type raw struct {
		mode, lb, mux, dp, st, rx, tx, pw uint32
	}
	var (
		clock = bar.regs.clock.r()
		dd    = bar.regs.downstream.r()
		dyn   = bar.regs.dynOffset.r()
		en    = bar.regs.linkEnable.r()
		ep    = int(bar.regs.endpoint.r() & 1)
		n     = bar.nlinks()
		vs    = make([]raw, n)
	)
	for i := range vs {
		link := &bar.regs.links[i]
		vs[i] = raw{
			mode: link.gbtMode.r(),
			lb:   link.loopback.r(),
			mux:  link.gbtMux.r(),
			dp:   link.datapath.r(),
			st:   link.status.r(),
			rx:   link.rxFreq.r(),
			tx:   link.txFreq.r(),
			pw:   link.power.r(),
		}
	}
	err := bar.check("report")
	if err != nil {
		return ReportInfo{}, err
	}

	info := ReportInfo{
		TTCClock:       Clock(clock & 1),
		DynamicOffset:  dyn&1 == 1,
		DownstreamData: DownstreamData(dd & 0x3),
		Links:          make(map[int]Link, n),
	}
	for i, v := range vs {
		id := ep*regs.CRU_LINKS_PER_ENDPOINT + i
		info.Links[id] = Link{
			ID:           id,
			GBTTxMode:    GBTMode(v.mode & 1),
			GBTRxMode:    GBTMode((v.mode >> 1) & 1),
			Loopback:     v.lb&1 == 1,
			GBTMux:       GBTMux(v.mux & 0x7),
			DatapathMode: DatapathMode(v.dp & 1),
			Enabled:      (en>>i)&1 == 1,
			RxFreq:       float64(v.rx) / 1e3,
			TxFreq:       float64(v.tx) / 1e3,
			OpticalPower: float64(v.pw) / 10,
			Status:       bar.links.Update(id, v.st&1 == 1),
		}
	}
	return info, nil
}

func (bar *CRU) dmaCheck(size uint64) error {
	if size == 0 || size%regs.CRU_PAGE_SIZE != 0 || size/regs.CRU_PAGE_SIZE > 0xffffffff {
		return fmt.Errorf("invalid CRU superpage size %d (not a multiple of %d)", size, regs.CRU_PAGE_SIZE)
	}
	return nil
}

func (bar *CRU) dmaStart() error {
	bar.regs.ctrl.setBits(regs.CRU_CTRL_ENABLE, regs.CRU_CTRL_ENABLE, true)
	return bar.check("start-dma")
}

func (bar *CRU) dmaReady() (bool, error) {
	v := bar.regs.status.r()
	return v&regs.CRU_STATUS_READY != 0, bar.check("dma-ready")
}

func (bar *CRU) dmaStop() error {
	bar.regs.ctrl.setBits(regs.CRU_CTRL_ENABLE, 0, true)
	return bar.check("stop-dma")
}

func (bar *CRU) dmaReset(lvl ResetLevel) error {
	if lvl.IncludesExternal() {
		return newError(ErrInvalidParameter, "reset-channel", fmt.Errorf("reset level %v not supported by CRU", lvl))
	}
	bar.regs.ctrl.setBits(regs.CRU_CTRL_RESET, regs.CRU_CTRL_RESET, true)
	return bar.check("reset-channel")
}

func (bar *CRU) dmaResetDone() (bool, error) {
	v := bar.regs.ctrl.r()
	return v&regs.CRU_CTRL_RESET == 0, bar.check("reset-channel")
}

func (bar *CRU) dmaPush(slot int, bus, size uint64) error {
	bar.regs.addrLo.w(uint32(bus))
	bar.regs.addrHi.w(uint32(bus >> 32))
	bar.regs.pages.w(uint32(size / regs.CRU_PAGE_SIZE))
	bar.regs.doorbell.w(uint32(slot))
	return bar.check("push-superpage")
}

func (bar *CRU) dmaCompleted() (uint32, error) {
	v := bar.regs.done.r()
	return v, bar.check("fill-superpages")
}
