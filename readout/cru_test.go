// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-lpc/roc/internal/mmap"
	"github.com/go-lpc/roc/readout/internal/regs"
)

func TestCRUIdentity(t *testing.T) {
	card := newFakeCard(CardCRU)
	bar := card.bar(t)

	if got, want := bar.CardType(), CardCRU; got != want {
		t.Fatalf("invalid card type: got=%v, want=%v", got, want)
	}

	words := card.reg.words
	words[regs.CRU_SERIAL] = regs.SerialUnset
	if _, ok := bar.Serial(); ok {
		t.Fatalf("unprogrammed serial reported")
	}
	words[regs.CRU_SERIAL] = 1041
	if serial, ok := bar.Serial(); !ok || serial != 1041 {
		t.Fatalf("invalid serial: got=(%d, %v)", serial, ok)
	}

	if _, ok := bar.FirmwareInfo(); ok {
		t.Fatalf("empty firmware reported")
	}
	words[regs.CRU_FW_DATE] = 0x20200114
	words[regs.CRU_FW_TIME] = 0x143042
	words[regs.CRU_FW_HASH] = 0xcafe1234
	if fw, ok := bar.FirmwareInfo(); !ok || fw != "20200114-143042-cafe1234" {
		t.Fatalf("invalid firmware: got=(%q, %v)", fw, ok)
	}

	words[regs.CRU_ENDPOINT] = 1
	if ep, err := bar.EndpointNumber(); err != nil || ep != 1 {
		t.Fatalf("invalid endpoint: got=(%d, %+v)", ep, err)
	}
}

func TestCRUConfigure(t *testing.T) {
	card := newFakeCard(CardCRU)
	card.reg.words[regs.CRU_NUM_LINKS] = 4

	bar := card.bar(t,
		WithClock(ClockLocal),
		WithDownstreamData(DownstreamPattern),
		WithDynamicOffset(true),
		WithTimeFrameLength(0x200),
		WithLinkMask(0x1f5), // links beyond the 4 physical links are ignored.
		WithDatapathMode(DatapathStreaming),
		WithGBTMux(GBTMuxSWT),
		WithLoopback(true),
	)

	err := bar.Configure(false)
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}

	words := card.reg.words
	for _, tc := range []struct {
		name string
		word int
		want uint32
	}{
		{"clock", regs.CRU_CLOCK, 1},
		{"downstream", regs.CRU_DOWNSTREAM, 1},
		{"dyn-offset", regs.CRU_DYN_OFFSET, 1},
		{"tf-length", regs.CRU_TF_LENGTH, 0x200},
		{"link-enable", regs.CRU_LINK_ENABLE, 0x5},
		{"link0-datapath", regs.CRULink(0, regs.CRU_LINK_DATAPATH), 1},
		{"link0-mux", regs.CRULink(0, regs.CRU_LINK_GBT_MUX), 2},
		{"link0-loopback", regs.CRULink(0, regs.CRU_LINK_LOOPBACK), 1},
		{"link1-datapath", regs.CRULink(1, regs.CRU_LINK_DATAPATH), 0},
		{"link2-mux", regs.CRULink(2, regs.CRU_LINK_GBT_MUX), 2},
		{"link4-mux", regs.CRULink(4, regs.CRU_LINK_GBT_MUX), 0},
	} {
		if got := words[tc.word]; got != tc.want {
			t.Fatalf("invalid %s register: got=0x%x, want=0x%x", tc.name, got, tc.want)
		}
	}

	const nwrites = 5 + 2*3
	if got, want := len(card.reg.writes), nwrites; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}

	err = bar.Configure(false)
	if err != nil {
		t.Fatalf("could not re-configure: %+v", err)
	}
	if got, want := len(card.reg.writes), nwrites; got != want {
		t.Fatalf("idempotent configure wrote registers: got=%d, want=%d", got, want)
	}

	err = bar.Configure(true)
	if err != nil {
		t.Fatalf("could not force configure: %+v", err)
	}
	if got, want := len(card.reg.writes), 2*nwrites; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}

	// the configuration may also force the rewrite.
	forced := NewConfig(WithForce(true))
	bar.(*CRU).cfg.Force = forced.Force
	err = bar.Configure(false)
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	if got, want := len(card.reg.writes), 3*nwrites; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}

	bad := newFakeCard(CardCRU).bar(t, WithTimeFrameLength(0xffff))
	err = bad.Configure(false)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestCRUReport(t *testing.T) {
	card := newFakeCard(CardCRU)
	words := card.reg.words
	words[regs.CRU_ENDPOINT] = 1
	words[regs.CRU_NUM_LINKS] = 3
	words[regs.CRU_CLOCK] = 1
	words[regs.CRU_DOWNSTREAM] = 2
	words[regs.CRU_DYN_OFFSET] = 1
	words[regs.CRU_LINK_ENABLE] = 0x5

	set := func(link, reg int, v uint32) { words[regs.CRULink(link, reg)] = v }
	set(0, regs.CRU_LINK_GBT_MODE, 0x2)
	set(0, regs.CRU_LINK_GBT_MUX, 1)
	set(0, regs.CRU_LINK_STATUS, 1)
	set(0, regs.CRU_LINK_RX_FREQ, 240474)
	set(0, regs.CRU_LINK_TX_FREQ, 240474)
	set(0, regs.CRU_LINK_OPT_PWR, 4125)
	set(1, regs.CRU_LINK_LOOPBACK, 1)
	set(2, regs.CRU_LINK_GBT_MODE, 0x3)
	set(2, regs.CRU_LINK_DATAPATH, 1)
	set(2, regs.CRU_LINK_GBT_MUX, 4)
	set(2, regs.CRU_LINK_STATUS, 1)

	bar := card.bar(t)
	info, err := bar.Report()
	if err != nil {
		t.Fatalf("could not report: %+v", err)
	}
	if got := len(card.reg.writes); got != 0 {
		t.Fatalf("report wrote %d registers", got)
	}

	want := ReportInfo{
		TTCClock:       ClockLocal,
		DynamicOffset:  true,
		DownstreamData: DownstreamMidTrg,
		Links: map[int]Link{
			12: {
				ID:           12,
				GBTTxMode:    GBTModeGBT,
				GBTRxMode:    GBTModeWB,
				GBTMux:       GBTMuxDDG,
				DatapathMode: DatapathPacket,
				Enabled:      true,
				RxFreq:       240.474,
				TxFreq:       240.474,
				OpticalPower: 412.5,
				Status:       LinkUp,
			},
			13: {
				ID:       13,
				Loopback: true,
				Status:   LinkDown,
			},
			14: {
				ID:           14,
				GBTTxMode:    GBTModeWB,
				GBTRxMode:    GBTModeWB,
				GBTMux:       GBTMuxUL,
				DatapathMode: DatapathStreaming,
				Enabled:      true,
				Status:       LinkUp,
			},
		},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("invalid report (-want +got):\n%s", diff)
	}

	// link 14 flaps between two reports.
	set(2, regs.CRU_LINK_STATUS, 0)
	info, err = bar.Report()
	if err != nil {
		t.Fatalf("could not report: %+v", err)
	}
	if got, want := info.Links[14].Status, LinkDown; got != want {
		t.Fatalf("invalid link status: got=%v, want=%v", got, want)
	}

	set(2, regs.CRU_LINK_STATUS, 1)
	info, err = bar.Report()
	if err != nil {
		t.Fatalf("could not report: %+v", err)
	}
	if got, want := info.Links[14].Status, LinkUpWasDown; got != want {
		t.Fatalf("invalid link status: got=%v, want=%v", got, want)
	}
	if got, want := info.Links[12].Status, LinkUp; got != want {
		t.Fatalf("invalid link status: got=%v, want=%v", got, want)
	}

	bar.ResetStickyBits()
	info, err = bar.Report()
	if err != nil {
		t.Fatalf("could not report: %+v", err)
	}
	if got, want := info.Links[14].Status, LinkUp; got != want {
		t.Fatalf("invalid link status after reset: got=%v, want=%v", got, want)
	}
}

func TestCRUClosedRegion(t *testing.T) {
	h := mmap.HandleFromBytes(make([]byte, 4*fakeBarWords))
	bar, err := NewBar(CardCRU, 2, h)
	if err != nil {
		t.Fatalf("could not create BAR: %+v", err)
	}
	if got, want := bar.Index(), 2; got != want {
		t.Fatalf("invalid index: got=%d, want=%d", got, want)
	}

	err = bar.Close()
	if err != nil {
		t.Fatalf("could not close BAR: %+v", err)
	}
	if got, want := h.Len(), 0; got != want {
		t.Fatalf("region not closed: len=%d", got)
	}

	err = bar.Configure(true)
	if !errors.Is(err, ErrPda) || !errors.Is(err, ErrMemoryMap) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = bar.Report()
	if !errors.Is(err, ErrPda) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = bar.EndpointNumber()
	if !errors.Is(err, ErrPda) {
		t.Fatalf("invalid error: %+v", err)
	}
	err = bar.Close()
	if err != nil {
		t.Fatalf("could not re-close BAR: %+v", err)
	}
}

func TestNewBar(t *testing.T) {
	_, err := NewBar(CardUnknown, 0, newFakeRegion(4))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = NewBar(CardCRU, 0, nil)
	if !errors.Is(err, ErrMemoryMap) {
		t.Fatalf("invalid error: %+v", err)
	}

	for _, tc := range []struct {
		vendor, device uint16
		want           CardType
	}{
		{0x10dc, 0x0033, CardCRORC},
		{0x1172, 0xe001, CardCRU},
		{0x1172, 0x0033, CardUnknown},
		{0x8086, 0x1533, CardUnknown},
	} {
		if got := CardTypeOf(tc.vendor, tc.device); got != tc.want {
			t.Fatalf("%04x:%04x: got=%v, want=%v", tc.vendor, tc.device, got, tc.want)
		}
	}
}
