// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/roc/internal/mmap"
	"github.com/go-lpc/roc/readout"
)

const testBDF = "0000:42:00.0"

const (
	wordSerial = 0x000
	wordClock  = 0x010
	wordStatus = 0x021
	wordDone   = 0x026
)

type memBuffer struct {
	data   []byte
	closed bool
}

func (buf *memBuffer) Size() uint64 { return uint64(len(buf.data)) }

func (buf *memBuffer) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(buf.data).ReadAt(p, off)
}

func (buf *memBuffer) Close() error {
	buf.closed = true
	return nil
}

func (buf *memBuffer) BusAddress(off, size uint64) (uint64, error) {
	return 0x2000_0000 + off, nil
}

func newTestDevice(t *testing.T, mem []byte) (*device, *memBuffer) {
	t.Helper()

	for _, w := range []struct {
		word int
		v    uint32
	}{
		{wordSerial, 42},
		{wordStatus, 1},
	} {
		binary.LittleEndian.PutUint32(mem[4*w.word:], w.v)
	}

	const (
		spsize  = 8192
		nspages = 4
	)

	buf := &memBuffer{data: make([]byte, spsize*nspages)}
	for i := 0; i < nspages; i++ {
		buf.data[i*spsize] = byte(0xa0 + i)
	}

	dev := newDevice(testBDF)
	dev.spsize = spsize
	dev.nspages = nspages
	dev.open = func(bdf string, index int, opts ...readout.Option) (readout.Bar, error) {
		if bdf != testBDF {
			return nil, fmt.Errorf("no such card %q", bdf)
		}
		return readout.NewBar(readout.CardCRU, index, mmap.HandleFromBytes(mem), opts...)
	}
	dev.alloc = func(fname string, size int) (dmaBuffer, error) {
		if size != len(buf.data) {
			return nil, fmt.Errorf("invalid buffer size %d", size)
		}
		return buf, nil
	}
	dev.conf = func(ctx context.Context, dbname string, serial int32) ([]readout.Option, error) {
		if serial != 42 {
			return nil, fmt.Errorf("no configuration for card %d", serial)
		}
		return []readout.Option{readout.WithClock(readout.ClockLocal)}, nil
	}
	return dev, buf
}

func TestDevice(t *testing.T) {
	mem := make([]byte, 4*0x400)
	dev, buf := newTestDevice(t, mem)
	dev.dbname = "rocdb"

	h := mmap.HandleFromBytes(mem)
	complete := func(n uint32) {
		t.Helper()
		err := h.WriteU32(4*wordDone, n)
		if err != nil {
			t.Fatalf("could not complete superpages: %+v", err)
		}
	}

	err := dev.start()
	if err == nil {
		t.Fatalf("expected an error starting an uninitialized device")
	}

	err = dev.init(readout.ResetNothing)
	if err == nil {
		t.Fatalf("expected an error initializing an unconfigured device")
	}

	err = dev.configure(context.Background(), false)
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	clk, err := h.ReadU32(4 * wordClock)
	if err != nil {
		t.Fatalf("could not read clock register: %+v", err)
	}
	if got, want := readout.Clock(clk), readout.ClockLocal; got != want {
		t.Fatalf("invalid clock: got=%v, want=%v", got, want)
	}

	err = dev.init(readout.ResetNothing)
	if err != nil {
		t.Fatalf("could not init: %+v", err)
	}

	n, err := dev.tick()
	if err != nil || n != 0 {
		t.Fatalf("invalid tick before start: n=%d, err=%+v", n, err)
	}

	err = dev.start()
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	n, err = dev.tick()
	if err != nil {
		t.Fatalf("could not tick: %+v", err)
	}
	if n != 0 {
		t.Fatalf("invalid number of superpages: got=%d, want=0", n)
	}
	if got, want := len(dev.free), 0; got != want {
		t.Fatalf("invalid number of free superpages: got=%d, want=%d", got, want)
	}

	complete(2)
	n, err = dev.tick()
	if err != nil {
		t.Fatalf("could not tick: %+v", err)
	}
	if n != 2 {
		t.Fatalf("invalid number of superpages: got=%d, want=2", n)
	}

	for i := 0; i < 2; i++ {
		var raw []byte
		select {
		case raw = <-dev.data:
		default:
			t.Fatalf("missing superpage %d", i)
		}
		dec := tdaq.NewDecoder(bytes.NewReader(raw))
		off := dec.ReadU64()
		size := dec.ReadU64()
		if got, want := off, uint64(i)*dev.spsize; got != want {
			t.Fatalf("invalid superpage offset: got=0x%x, want=0x%x", got, want)
		}
		if got, want := size, dev.spsize; got != want {
			t.Fatalf("invalid superpage size: got=%d, want=%d", got, want)
		}
		if got, want := len(raw), 16+int(dev.spsize); got != want {
			t.Fatalf("invalid frame size: got=%d, want=%d", got, want)
		}
		if got, want := raw[16], byte(0xa0+i); got != want {
			t.Fatalf("invalid superpage payload: got=0x%x, want=0x%x", got, want)
		}
	}

	n, err = dev.stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}
	if n != 2 {
		t.Fatalf("invalid number of sent superpages: got=%d, want=2", n)
	}
	if got, want := len(dev.free), dev.nspages; got != want {
		t.Fatalf("invalid number of free superpages: got=%d, want=%d", got, want)
	}

	err = dev.reset()
	if err != nil {
		t.Fatalf("could not reset: %+v", err)
	}
	if dev.n != 0 {
		t.Fatalf("invalid counter after reset: %d", dev.n)
	}

	err = dev.close()
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}
	if !buf.closed {
		t.Fatalf("DMA buffer not closed")
	}
	if dev.bar != nil || dev.ch != nil {
		t.Fatalf("device not released")
	}
}

func TestDeviceConfigErrors(t *testing.T) {
	t.Run("no-card", func(t *testing.T) {
		dev, _ := newTestDevice(t, make([]byte, 4*0x400))
		dev.name = "0000:ff:00.0"
		err := dev.configure(context.Background(), false)
		if err == nil {
			t.Fatalf("expected an error")
		}
		if dev.bar != nil {
			t.Fatalf("unexpected BAR for a missing card")
		}
	})

	t.Run("no-serial", func(t *testing.T) {
		mem := make([]byte, 4*0x400)
		dev, _ := newTestDevice(t, mem)
		binary.LittleEndian.PutUint32(mem[4*wordSerial:], 0xffffffff)
		dev.dbname = "rocdb"
		err := dev.configure(context.Background(), false)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})

	t.Run("no-db-entry", func(t *testing.T) {
		mem := make([]byte, 4*0x400)
		dev, _ := newTestDevice(t, mem)
		binary.LittleEndian.PutUint32(mem[4*wordSerial:], 7)
		dev.dbname = "rocdb"
		err := dev.configure(context.Background(), false)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})

	t.Run("no-db", func(t *testing.T) {
		mem := make([]byte, 4*0x400)
		dev, _ := newTestDevice(t, mem)
		binary.LittleEndian.PutUint32(mem[4*wordSerial:], 7)
		err := dev.configure(context.Background(), true)
		if err != nil {
			t.Fatalf("could not configure: %+v", err)
		}
	})
}

func TestDeviceLoop(t *testing.T) {
	mem := make([]byte, 4*0x400)
	dev, _ := newTestDevice(t, mem)
	h := mmap.HandleFromBytes(mem)

	err := dev.configure(context.Background(), false)
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	err = dev.init(readout.ResetNothing)
	if err != nil {
		t.Fatalf("could not init: %+v", err)
	}
	err = dev.start()
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	// nobody reads the output queue: the second batch overflows it.
	for _, done := range []uint32{0, 4, 8} {
		err = h.WriteU32(4*wordDone, done)
		if err != nil {
			t.Fatalf("could not complete superpages: %+v", err)
		}
		_, err = dev.tick()
		if err != nil {
			t.Fatalf("could not tick (done=%d): %+v", done, err)
		}
	}
	if got, want := len(dev.data), dev.nspages; got != want {
		t.Fatalf("invalid output queue: got=%d, want=%d", got, want)
	}
	if got, want := dev.dropped(), 4; got != want {
		t.Fatalf("invalid number of dropped superpages: got=%d, want=%d", got, want)
	}

	var msgs []string
	errorf := func(format string, args ...interface{}) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}

	err = dev.bar.Close()
	if err != nil {
		t.Fatalf("could not close BAR: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = dev.loop(ctx, errorf)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if readout.IsTransient(err) {
		t.Fatalf("unexpected transient error: %+v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("transfer loop did not stop on a card failure")
	}

	if got, want := len(msgs), 2; got != want {
		t.Fatalf("invalid number of messages: got=%d, want=%d\n%q", got, want, msgs)
	}
	if got, want := msgs[0], "dropped 4 superpages (total: 4)"; got != want {
		t.Fatalf("invalid message: got=%q, want=%q", got, want)
	}
	if !strings.HasPrefix(msgs[1], "could not transfer superpages") {
		t.Fatalf("invalid message: %q", msgs[1])
	}
}

func TestDeviceLoopCancel(t *testing.T) {
	dev, _ := newTestDevice(t, make([]byte, 4*0x400))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dev.loop(ctx, func(format string, args ...interface{}) {
		t.Errorf("unexpected message: "+format, args...)
	})
	if err != nil {
		t.Fatalf("could not run transfer loop: %+v", err)
	}
}
