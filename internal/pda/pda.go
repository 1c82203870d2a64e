// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pda gives access to the PCI resources of readout cards:
// enumeration of devices and BARs through sysfs, mapping of BARs and
// allocation of DMA buffers.
package pda // import "github.com/go-lpc/roc/internal/pda"

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/roc/internal/mmap"
)

const sysfsRoot = "/sys/bus/pci/devices"

// nBARs is the number of standard BARs of a PCI function.
const nBARs = 6

// Sysfs reads PCI devices from a sysfs tree.
type Sysfs struct {
	root string
}

// NewSysfs returns a sysfs reader rooted at root.
// An empty root selects /sys/bus/pci/devices.
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = sysfsRoot
	}
	return &Sysfs{root: root}
}

// Device is a PCI function.
type Device struct {
	BDF    string // domain:bus:device.function
	Vendor uint16
	Device uint16
}

// Bar is a PCI base address region.
type Bar struct {
	Index int
	Addr  uint64
	Size  uint64
	Flags uint64
}

const (
	flagIO       = 0x01
	flagMem64    = 0x04
	flagPrefetch = 0x08
)

// IsMem reports whether the BAR is an enabled memory region.
func (bar Bar) IsMem() bool { return bar.Size != 0 && bar.Flags&flagIO == 0 }

func (bar Bar) String() string {
	kind := "mem32"
	switch {
	case bar.Size == 0:
		kind = "disabled"
	case bar.Flags&flagIO != 0:
		kind = "io"
	case bar.Flags&flagMem64 != 0:
		kind = "mem64"
	}
	if bar.Flags&flagPrefetch != 0 {
		kind += ",prefetchable"
	}
	return fmt.Sprintf("BAR%d{addr=0x%x, size=0x%x, %s}", bar.Index, bar.Addr, bar.Size, kind)
}

// ParseBDF normalizes a PCI address, adding the default domain if missing.
func ParseBDF(s string) (string, error) {
	var (
		addr  = strings.ToLower(strings.TrimSpace(s))
		parts = strings.Split(addr, ":")
	)
	if len(parts) == 2 {
		parts = append([]string{"0000"}, parts...)
	}
	if len(parts) != 3 {
		return "", fmt.Errorf("pda: invalid PCI address %q", s)
	}
	devfn := strings.Split(parts[2], ".")
	if len(devfn) != 2 {
		return "", fmt.Errorf("pda: invalid PCI address %q", s)
	}

	var vs [4]uint64
	for i, tok := range []struct {
		s    string
		bits int
		max  uint64
	}{
		{parts[0], 16, 0xffff},
		{parts[1], 8, 0xff},
		{devfn[0], 8, 0x1f},
		{devfn[1], 8, 0x7},
	} {
		v, err := strconv.ParseUint(tok.s, 16, tok.bits)
		if err != nil || v > tok.max {
			return "", fmt.Errorf("pda: invalid PCI address %q", s)
		}
		vs[i] = v
	}
	return fmt.Sprintf("%04x:%02x:%02x.%x", vs[0], vs[1], vs[2], vs[3]), nil
}

// Device returns the PCI function at the provided address.
func (sys *Sysfs) Device(bdf string) (Device, error) {
	bdf, err := ParseBDF(bdf)
	if err != nil {
		return Device{}, err
	}
	dir := filepath.Join(sys.root, bdf)

	vendor, err := readHex16(filepath.Join(dir, "vendor"))
	if err != nil {
		return Device{}, fmt.Errorf("pda: could not read vendor of %s: %w", bdf, err)
	}
	device, err := readHex16(filepath.Join(dir, "device"))
	if err != nil {
		return Device{}, fmt.Errorf("pda: could not read device of %s: %w", bdf, err)
	}
	return Device{BDF: bdf, Vendor: vendor, Device: device}, nil
}

// Devices returns all the PCI functions matching one of the provided
// vendor:device pairs, sorted by address.
// An empty list of ids matches all devices.
func (sys *Sysfs) Devices(ids ...[2]uint16) ([]Device, error) {
	entries, err := os.ReadDir(sys.root)
	if err != nil {
		return nil, fmt.Errorf("pda: could not read sysfs: %w", err)
	}

	var devs []Device
	for _, entry := range entries {
		bdf, err := ParseBDF(entry.Name())
		if err != nil {
			continue
		}
		dev, err := sys.Device(bdf)
		if err != nil {
			continue
		}
		if !match(dev, ids) {
			continue
		}
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].BDF < devs[j].BDF })
	return devs, nil
}

func match(dev Device, ids [][2]uint16) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if dev.Vendor == id[0] && dev.Device == id[1] {
			return true
		}
	}
	return false
}

// ListBars returns the standard BARs of the PCI function, as described
// by its sysfs resource file.
func (sys *Sysfs) ListBars(bdf string) ([]Bar, error) {
	bdf, err := ParseBDF(bdf)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(sys.root, bdf, "resource"))
	if err != nil {
		return nil, fmt.Errorf("pda: could not open resource file of %s: %w", bdf, err)
	}
	defer f.Close()

	var (
		bars []Bar
		sc   = bufio.NewScanner(f)
	)
	for i := 0; i < nBARs && sc.Scan(); i++ {
		bar, err := parseResource(i, sc.Text())
		if err != nil {
			return nil, fmt.Errorf("pda: could not parse resource of %s: %w", bdf, err)
		}
		bars = append(bars, bar)
	}
	err = sc.Err()
	if err != nil {
		return nil, fmt.Errorf("pda: could not read resource file of %s: %w", bdf, err)
	}
	return bars, nil
}

// parseResource parses a "start end flags" line of a sysfs resource file.
func parseResource(i int, line string) (Bar, error) {
	var start, end, flags uint64
	n, err := fmt.Sscanf(line, "0x%x 0x%x 0x%x", &start, &end, &flags)
	if err != nil || n != 3 {
		return Bar{}, fmt.Errorf("invalid resource line %d: %q", i, line)
	}
	bar := Bar{Index: i, Flags: flags}
	if start == 0 && end == 0 {
		return bar, nil
	}
	if end < start {
		return Bar{}, fmt.Errorf("invalid resource line %d: end before start", i)
	}
	bar.Addr = start
	bar.Size = end - start + 1
	return bar, nil
}

// MapBar maps the BAR index of the PCI function in memory.
func (sys *Sysfs) MapBar(bdf string, index int) (*mmap.Handle, error) {
	if index < 0 || index >= nBARs {
		return nil, fmt.Errorf("pda: invalid BAR index %d", index)
	}
	bars, err := sys.ListBars(bdf)
	if err != nil {
		return nil, err
	}
	if index >= len(bars) || !bars[index].IsMem() {
		return nil, fmt.Errorf("pda: BAR%d of %s is not a memory region", index, bdf)
	}
	bar := bars[index]

	bdf, _ = ParseBDF(bdf)
	fname := filepath.Join(sys.root, bdf, "resource"+strconv.Itoa(index))
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pda: could not open BAR%d of %s: %w", index, bdf, err)
	}
	defer f.Close()

	h, err := mmap.Map(f.Fd(), 0, int(bar.Size))
	if err != nil {
		return nil, fmt.Errorf("pda: could not map BAR%d of %s: %w", index, bdf, err)
	}
	return h, nil
}

func readHex16(fname string) (uint16, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return 0, err
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return uint16(v), nil
}
