// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register maps of the CRORC and CRU readout cards.
//
// All addresses are 32-bit word indices relative to the start of a BAR.
package regs // import "github.com/go-lpc/roc/readout/internal/regs"

// SerialUnset is the value of an identity register that was never programmed.
const SerialUnset = 0xffffffff

// CRORC registers.
const (
	CRORC_FW_VERSION = 0x000 // [31:16] major, [15:0] minor
	CRORC_SERIAL     = 0x001

	CRORC_CFG        = 0x010
	CRORC_ID         = 0x011 // [11:0]
	CRORC_TF_LENGTH  = 0x012 // [11:0]
	CRORC_LINK_STATE = 0x013 // one bit per channel

	CRORC_DMA_CSR     = 0x040
	CRORC_DMA_STATUS  = 0x041
	CRORC_FIFO_ADDRLO = 0x042
	CRORC_FIFO_ADDRHI = 0x043
	CRORC_FIFO_LEN    = 0x044 // writing the length pushes the descriptor
	CRORC_DONE_COUNT  = 0x045

	CRORC_NUM_LINKS = 6
)

// CRORC_CFG bits.
const (
	CRORC_CFG_QSFP        = 1 << 0
	CRORC_CFG_DYN_OFFSET  = 1 << 1
	CRORC_CFG_TF_DETECTOR = 1 << 2
)

// CRORC_DMA_CSR bits.
const (
	CRORC_CSR_ENABLE    = 1 << 0
	CRORC_CSR_RESET     = 1 << 1
	CRORC_CSR_DIU_RESET = 1 << 2
	CRORC_CSR_SIU_RESET = 1 << 3
)

// CRORC_DMA_STATUS bits.
const (
	CRORC_STATUS_READY = 1 << 0
)

// Maximum length of a CRORC descriptor, in 32-bit words.
const CRORC_MAX_WORDS = 1<<24 - 1

// CRU registers.
const (
	CRU_SERIAL   = 0x000
	CRU_FW_DATE  = 0x001
	CRU_FW_TIME  = 0x002
	CRU_FW_HASH  = 0x003
	CRU_ENDPOINT = 0x004 // [0]

	CRU_CLOCK       = 0x010 // 0: TTC, 1: local
	CRU_DOWNSTREAM  = 0x011 // 0: CTP, 1: pattern, 2: MID trigger
	CRU_DYN_OFFSET  = 0x012 // [0]
	CRU_TF_LENGTH   = 0x013 // [11:0]
	CRU_LINK_ENABLE = 0x014 // one bit per link
	CRU_NUM_LINKS   = 0x015

	CRU_DMA_CTRL    = 0x020
	CRU_DMA_STATUS  = 0x021
	CRU_DESC_ADDRLO = 0x022
	CRU_DESC_ADDRHI = 0x023
	CRU_DESC_PAGES  = 0x024
	CRU_DOORBELL    = 0x025 // writing the slot index submits the descriptor
	CRU_DONE_COUNT  = 0x026

	CRU_LINK_BASE   = 0x100
	CRU_LINK_STRIDE = 0x10

	CRU_LINKS_PER_ENDPOINT = 12
	CRU_MAX_LINKS          = CRU_LINKS_PER_ENDPOINT
)

// CRU per-link registers, relative to CRU_LINK_BASE + link*CRU_LINK_STRIDE.
const (
	CRU_LINK_GBT_MODE = 0x0 // [0] tx, [1] rx; 0: GBT, 1: wide-bus
	CRU_LINK_LOOPBACK = 0x1 // [0]
	CRU_LINK_GBT_MUX  = 0x2
	CRU_LINK_DATAPATH = 0x3 // 0: packet, 1: streaming
	CRU_LINK_STATUS   = 0x4 // [0] up
	CRU_LINK_RX_FREQ  = 0x5 // kHz
	CRU_LINK_TX_FREQ  = 0x6 // kHz
	CRU_LINK_OPT_PWR  = 0x7 // 0.1 uW
)

// CRU_DMA_CTRL bits.
const (
	CRU_CTRL_ENABLE = 1 << 0
	CRU_CTRL_RESET  = 1 << 1
)

// CRU_DMA_STATUS bits.
const (
	CRU_STATUS_READY = 1 << 0
)

// CRU DMA page size: superpages are transferred in units of pages.
const CRU_PAGE_SIZE = 8 * 1024

// PCI identifiers.
const (
	CRORC_VENDOR = 0x10dc
	CRORC_DEVICE = 0x0033

	CRU_VENDOR = 0x1172
	CRU_DEVICE = 0xe001
)

// CRULink returns the word address of register reg for link.
func CRULink(link, reg int) int {
	return CRU_LINK_BASE + link*CRU_LINK_STRIDE + reg
}
