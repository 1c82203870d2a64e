// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"github.com/go-lpc/roc/readout"
)

// CardConfig is the configuration of a readout card.
type CardConfig struct {
	Serial             int32  `json:"serial"`
	DynamicOffset      bool   `json:"dyn_offset"`
	TimeFrameLength    uint16 `json:"tf_length"`
	TimeFrameDetection bool   `json:"tf_detection"`
	QSFP               bool   `json:"qsfp"`
	CrorcID            uint16 `json:"crorc_id"`
	Clock              uint8  `json:"clock"`      // 0: TTC, 1: local
	Downstream         uint8  `json:"downstream"` // 0: CTP, 1: pattern, 2: MID trigger
	LinkMask           uint64 `json:"link_mask"`
}

// Options returns the readout options implementing the configuration.
func (cfg CardConfig) Options() []readout.Option {
	return []readout.Option{
		readout.WithDynamicOffset(cfg.DynamicOffset),
		readout.WithTimeFrameLength(cfg.TimeFrameLength),
		readout.WithTimeFrameDetection(cfg.TimeFrameDetection),
		readout.WithQSFP(cfg.QSFP),
		readout.WithCrorcID(cfg.CrorcID),
		readout.WithClock(readout.Clock(cfg.Clock)),
		readout.WithDownstreamData(readout.DownstreamData(cfg.Downstream)),
		readout.WithLinkMask(cfg.LinkMask),
	}
}
