// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/roc/conddb"
	"github.com/go-lpc/roc/internal/pda"
	"github.com/go-lpc/roc/readout"
)

const (
	defaultSPSize  = 2 << 20
	defaultSPCount = 32
)

type dmaBuffer interface {
	readout.Buffer
	io.ReaderAt
	Close() error
}

type device struct {
	name    string // PCI address of the card
	index   int    // index of the DMA BAR
	fname   string // hugepage file backing the DMA buffer
	dbname  string
	spsize  uint64
	nspages int

	open  func(bdf string, index int, opts ...readout.Option) (readout.Bar, error)
	alloc func(fname string, size int) (dmaBuffer, error)
	conf  func(ctx context.Context, dbname string, serial int32) ([]readout.Option, error)

	mu   sync.Mutex
	bar  readout.Bar
	buf  dmaBuffer
	ch   *readout.DMAChannel
	lvl  readout.ResetLevel
	free []uint64 // offsets of the superpages owned by the server
	data chan []byte
	n    int
	lost int // superpages dropped because no client was reading
}

func newDevice(name string) *device {
	return &device{
		name:    name,
		fname:   "/dev/hugepages/roc-srv.bin",
		spsize:  defaultSPSize,
		nspages: defaultSPCount,
		open:    readout.OpenBar,
		alloc: func(fname string, size int) (dmaBuffer, error) {
			return pda.NewDMABuffer(fname, size)
		},
		conf: dbOptions,
	}
}

func dbOptions(ctx context.Context, dbname string, serial int32) ([]readout.Option, error) {
	db, err := conddb.Open(dbname)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cfg, err := db.CardConfig(ctx, serial)
	if err != nil {
		return nil, err
	}
	return cfg.Options(), nil
}

func decodeU32(req tdaq.Frame, def uint32) uint32 {
	if len(req.Body) < 4 {
		return def
	}
	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	return dec.ReadU32()
}

func (dev *device) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	force := decodeU32(req, 0) != 0
	ctx.Msg.Debugf("received /config command... (force=%v)", force)
	return dev.configure(ctx.Ctx, force)
}

func (dev *device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	lvl := readout.ResetLevel(decodeU32(req, uint32(readout.ResetInternal)))
	ctx.Msg.Debugf("received /init command... (reset=%v)", lvl)
	return dev.init(lvl)
}

func (dev *device) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return dev.reset()
}

func (dev *device) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return dev.start()
}

func (dev *device) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	n, err := dev.stop()
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return err
}

func (dev *device) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

func (dev *device) configure(ctx context.Context, force bool) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.bar == nil {
		bar, err := dev.openBar(ctx)
		if err != nil {
			return err
		}
		dev.bar = bar
	}

	err := dev.bar.Configure(force)
	if err != nil {
		return fmt.Errorf("could not configure card %q: %w", dev.name, err)
	}
	return nil
}

// openBar opens the DMA BAR of the card, configured from the condition
// database when one was provided.
func (dev *device) openBar(ctx context.Context) (readout.Bar, error) {
	bar, err := dev.open(dev.name, dev.index)
	if err != nil {
		return nil, fmt.Errorf("could not open card %q: %w", dev.name, err)
	}
	if dev.dbname == "" {
		return bar, nil
	}

	serial, ok := bar.Serial()
	_ = bar.Close()
	if !ok {
		return nil, fmt.Errorf("could not retrieve serial number of card %q", dev.name)
	}

	opts, err := dev.conf(ctx, dev.dbname, serial)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve configuration of card %d: %w", serial, err)
	}

	bar, err = dev.open(dev.name, dev.index, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not open card %q: %w", dev.name, err)
	}
	return bar, nil
}

func (dev *device) init(lvl readout.ResetLevel) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.bar == nil {
		return fmt.Errorf("card %q not configured", dev.name)
	}

	if dev.ch == nil {
		buf, err := dev.alloc(dev.fname, dev.nspages*int(dev.spsize))
		if err != nil {
			return fmt.Errorf("could not allocate DMA buffer: %w", err)
		}
		ch, err := readout.NewDMAChannel(dev.bar, buf)
		if err != nil {
			_ = buf.Close()
			return fmt.Errorf("could not create DMA channel: %w", err)
		}
		dev.buf = buf
		dev.ch = ch
	}

	err := dev.ch.ResetChannel(lvl)
	if err != nil {
		return fmt.Errorf("could not reset DMA channel: %w", err)
	}
	dev.lvl = lvl

	dev.free = dev.free[:0]
	for i := 0; i < dev.nspages; i++ {
		dev.free = append(dev.free, uint64(i)*dev.spsize)
	}
	dev.data = make(chan []byte, dev.nspages)
	dev.n = 0
	dev.lost = 0
	return nil
}

// reset stops DMA and resets the channel with the level used at
// initialization.
func (dev *device) reset() error {
	_, err := dev.stop()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	lvl := dev.lvl
	dev.mu.Unlock()

	return dev.init(lvl)
}

func (dev *device) start() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.ch == nil {
		return fmt.Errorf("DMA channel of card %q not initialized", dev.name)
	}

	dev.bar.ResetStickyBits()
	err := dev.ch.StartDMA()
	if err != nil {
		return fmt.Errorf("could not start DMA: %w", err)
	}
	return nil
}

// stop stops DMA and returns the number of superpages sent so far.
func (dev *device) stop() (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.ch == nil {
		return dev.n, nil
	}

	sps, err := dev.ch.StopDMA()
	for _, sp := range sps {
		dev.free = append(dev.free, sp.Offset)
	}
	if err != nil {
		return dev.n, fmt.Errorf("could not stop DMA: %w", err)
	}
	return dev.n, nil
}

func (dev *device) close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	var errs []error
	if dev.ch != nil {
		errs = append(errs, dev.ch.Close())
		dev.ch = nil
	}
	if dev.buf != nil {
		errs = append(errs, dev.buf.Close())
		dev.buf = nil
	}
	if dev.bar != nil {
		errs = append(errs, dev.bar.Close())
		dev.bar = nil
	}
	dev.free = nil

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("could not close card %q: %w", dev.name, err)
		}
	}
	return nil
}

// tick pushes the free superpages to the card and collects the filled
// ones. It returns the number of superpages collected.
func (dev *device) tick() (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.ch == nil || !dev.ch.Started() {
		return 0, nil
	}

	for len(dev.free) > 0 && dev.ch.TransferQueueAvailable() > 0 {
		off := dev.free[0]
		err := dev.ch.PushSuperpage(readout.Superpage{Offset: off, Size: dev.spsize})
		if err != nil {
			return 0, fmt.Errorf("could not push superpage 0x%x: %w", off, err)
		}
		dev.free = dev.free[1:]
	}

	_, err := dev.ch.FillSuperpages()
	if err != nil {
		return 0, fmt.Errorf("could not collect superpages: %w", err)
	}

	n := 0
	for dev.ch.ReadyQueueSize() > 0 {
		sp, err := dev.ch.PopSuperpage()
		if err != nil {
			return n, fmt.Errorf("could not pop superpage: %w", err)
		}
		raw, err := encode(sp, dev.buf)
		dev.free = append(dev.free, sp.Offset)
		if err != nil {
			return n, fmt.Errorf("could not encode superpage: %w", err)
		}
		select {
		case dev.data <- raw:
			dev.n++
		default:
			dev.lost++
		}
		n++
	}
	return n, nil
}

// dropped returns the number of superpages dropped since initialization.
func (dev *device) dropped() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.lost
}

// encode serializes the content of a filled superpage.
func encode(sp readout.Superpage, buf io.ReaderAt) ([]byte, error) {
	out := new(bytes.Buffer)
	enc := tdaq.NewEncoder(out)
	enc.WriteU64(sp.Offset)
	enc.WriteU64(sp.Received)
	if err := enc.Err(); err != nil {
		return nil, err
	}
	_, err := io.Copy(out, io.NewSectionReader(buf, int64(sp.Offset), int64(sp.Received)))
	if err != nil {
		return nil, fmt.Errorf("could not read superpage 0x%x: %w", sp.Offset, err)
	}
	return out.Bytes(), nil
}

func (dev *device) superpages(ctx tdaq.Context, dst *tdaq.Frame) error {
	dev.mu.Lock()
	data := dev.data
	dev.mu.Unlock()

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case raw := <-data:
		dst.Body = raw
	}
	return nil
}

func (dev *device) run(ctx tdaq.Context) error {
	return dev.loop(ctx.Ctx, ctx.Msg.Errorf)
}

// loop transfers superpages until ctx is done or the card fails.
// Transient DMA conditions are retried.
func (dev *device) loop(ctx context.Context, errorf func(format string, args ...interface{})) error {
	lost := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := dev.tick()
		if v := dev.dropped(); v != lost {
			if v > lost {
				errorf("dropped %d superpages (total: %d)", v-lost, v)
			}
			lost = v
		}
		if err != nil && !readout.IsTransient(err) {
			errorf("could not transfer superpages: %+v", err)
			return fmt.Errorf("could not transfer superpages: %w", err)
		}
		if n == 0 {
			time.Sleep(100 * time.Microsecond)
		}
	}
}
