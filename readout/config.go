// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"time"
)

// Config holds the configuration of a BAR and of its DMA channel.
type Config struct {
	Force              bool   // always rewrite configuration registers
	DynamicOffset      bool   // dynamic offset of superpage payloads
	TimeFrameLength    uint16 // time-frame length, in orbits
	TimeFrameDetection bool
	QSFPEnabled        bool
	CrorcID            uint16

	Clock          Clock
	DownstreamData DownstreamData
	LinkMask       uint64 // enabled links, one bit per link index
	DatapathMode   DatapathMode
	GBTMux         GBTMux
	Loopback       bool

	ReadyTimeout time.Duration // bound on hardware acknowledgments
	PollInterval time.Duration // sleep between two status reads
	RingSize     int           // capacity of the descriptor ring
}

const (
	defaultTimeFrameLength = 0x100
	defaultRingSize        = 128
)

func newConfig() Config {
	return Config{
		TimeFrameLength: defaultTimeFrameLength,
		LinkMask:        ^uint64(0),
		Clock:           ClockTTC,
		DownstreamData:  DownstreamCTP,
		ReadyTimeout:    1 * time.Second,
		PollInterval:    100 * time.Microsecond,
		RingSize:        defaultRingSize,
	}
}

// NewConfig returns the configuration obtained by applying opts to the
// default configuration.
func NewConfig(opts ...Option) Config {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a BAR or a DMA channel.
type Option func(*Config)

// WithForce forces the rewriting of every configuration register.
func WithForce(v bool) Option {
	return func(cfg *Config) {
		cfg.Force = v
	}
}

func WithDynamicOffset(v bool) Option {
	return func(cfg *Config) {
		cfg.DynamicOffset = v
	}
}

func WithTimeFrameLength(v uint16) Option {
	return func(cfg *Config) {
		cfg.TimeFrameLength = v
	}
}

func WithTimeFrameDetection(v bool) Option {
	return func(cfg *Config) {
		cfg.TimeFrameDetection = v
	}
}

func WithQSFP(v bool) Option {
	return func(cfg *Config) {
		cfg.QSFPEnabled = v
	}
}

// WithCrorcID sets the 12-bit identifier stamped by a CRORC.
func WithCrorcID(v uint16) Option {
	return func(cfg *Config) {
		cfg.CrorcID = v
	}
}

func WithClock(v Clock) Option {
	return func(cfg *Config) {
		cfg.Clock = v
	}
}

func WithDownstreamData(v DownstreamData) Option {
	return func(cfg *Config) {
		cfg.DownstreamData = v
	}
}

// WithLinkMask sets the links to enable: bit i enables link i.
func WithLinkMask(mask uint64) Option {
	return func(cfg *Config) {
		cfg.LinkMask = mask
	}
}

func WithDatapathMode(v DatapathMode) Option {
	return func(cfg *Config) {
		cfg.DatapathMode = v
	}
}

func WithGBTMux(v GBTMux) Option {
	return func(cfg *Config) {
		cfg.GBTMux = v
	}
}

func WithLoopback(v bool) Option {
	return func(cfg *Config) {
		cfg.Loopback = v
	}
}

// WithReadyTimeout sets how long to wait for the hardware to acknowledge
// a DMA start or a reset.
func WithReadyTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ReadyTimeout = d
	}
}

// WithPollInterval sets the interval between two reads of a status
// register while waiting for the hardware.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.PollInterval = d
	}
}

// WithRingSize sets the capacity of the descriptor ring.
// It must be a power of two.
func WithRingSize(n int) Option {
	return func(cfg *Config) {
		cfg.RingSize = n
	}
}
