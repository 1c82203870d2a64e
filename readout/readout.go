// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readout drives the CRORC and CRU PCIe readout cards.
//
// A card is accessed through a Bar, built on top of a Bank of 32-bit
// registers mapped from one of its PCI BARs.
// Data is moved into host memory by a DMAChannel: superpages are pushed
// into a descriptor ring, completions are collected by explicitly calling
// FillSuperpages, and superpages are popped back in submission order.
//
// Nothing in this package runs in the background and nothing is safe
// for concurrent use: a Bar and its DMAChannel must be confined to a
// single goroutine.
package readout // import "github.com/go-lpc/roc/readout"

import (
	"fmt"
)

// CardType identifies a family of readout cards.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardCRORC
	CardCRU
)

func (typ CardType) String() string {
	switch typ {
	case CardCRORC:
		return "CRORC"
	case CardCRU:
		return "CRU"
	default:
		return "UNKNOWN"
	}
}

// Clock is the source of the card's reference clock.
type Clock uint8

const (
	ClockTTC   Clock = 0
	ClockLocal Clock = 1
)

func (clk Clock) String() string {
	switch clk {
	case ClockTTC:
		return "TTC"
	case ClockLocal:
		return "LOCAL"
	default:
		return fmt.Sprintf("Clock(%d)", uint8(clk))
	}
}

// DownstreamData is the source of the data sent down the links.
type DownstreamData uint8

const (
	DownstreamCTP     DownstreamData = 0
	DownstreamPattern DownstreamData = 1
	DownstreamMidTrg  DownstreamData = 2
)

func (dd DownstreamData) String() string {
	switch dd {
	case DownstreamCTP:
		return "CTP"
	case DownstreamPattern:
		return "PATTERN"
	case DownstreamMidTrg:
		return "MIDTRG"
	default:
		return fmt.Sprintf("DownstreamData(%d)", uint8(dd))
	}
}

// GBTMode is the encoding of a GBT link direction.
type GBTMode uint8

const (
	GBTModeGBT GBTMode = 0
	GBTModeWB  GBTMode = 1
)

func (m GBTMode) String() string {
	switch m {
	case GBTModeGBT:
		return "GBT"
	case GBTModeWB:
		return "WB"
	default:
		return fmt.Sprintf("GBTMode(%d)", uint8(m))
	}
}

// GBTMux selects what feeds a GBT link.
type GBTMux uint8

const (
	GBTMuxTTC   GBTMux = 0
	GBTMuxDDG   GBTMux = 1
	GBTMuxSWT   GBTMux = 2
	GBTMuxTTCUP GBTMux = 3
	GBTMuxUL    GBTMux = 4
)

func (mux GBTMux) String() string {
	switch mux {
	case GBTMuxTTC:
		return "TTC"
	case GBTMuxDDG:
		return "DDG"
	case GBTMuxSWT:
		return "SWT"
	case GBTMuxTTCUP:
		return "TTCUP"
	case GBTMuxUL:
		return "UL"
	default:
		return fmt.Sprintf("GBTMux(%d)", uint8(mux))
	}
}

// DatapathMode is the way data of a link is packed into superpages.
type DatapathMode uint8

const (
	DatapathPacket    DatapathMode = 0
	DatapathStreaming DatapathMode = 1
)

func (dm DatapathMode) String() string {
	switch dm {
	case DatapathPacket:
		return "PACKET"
	case DatapathStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("DatapathMode(%d)", uint8(dm))
	}
}

// Link describes one physical data link of a card.
type Link struct {
	ID           int // global link id
	GBTTxMode    GBTMode
	GBTRxMode    GBTMode
	Loopback     bool
	GBTMux       GBTMux
	DatapathMode DatapathMode
	Enabled      bool
	RxFreq       float64 // MHz
	TxFreq       float64 // MHz
	OpticalPower float64 // uW
	Status       LinkStatus
}

// ReportInfo is a point-in-time snapshot of a card.
type ReportInfo struct {
	TTCClock       Clock
	DynamicOffset  bool
	DownstreamData DownstreamData
	Links          map[int]Link

	// CRORC only.
	QSFPEnabled        bool
	TimeFrameLength    uint16
	TimeFrameDetection bool
	CrorcID            uint16
}
