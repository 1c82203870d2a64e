// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-example pushes a few superpages to a readout card and
// waits for the card to fill them.
//
// Usage: roc-example [OPTIONS]
//
// Example:
//
//	$> roc-example -id 0000:42:00.0 -buf /dev/hugepages/roc-example.bin
package main // import "github.com/go-lpc/roc/cmd/roc-example"

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/roc/internal/pda"
	"github.com/go-lpc/roc/readout"
)

func main() {
	log.SetPrefix("roc-example: ")
	log.SetFlags(0)

	var (
		id      = flag.String("id", "", "PCI address of the card (e.g. 0000:42:00.0)")
		bar     = flag.Int("bar", 0, "index of the DMA BAR")
		fname   = flag.String("buf", "/dev/hugepages/roc-example.bin", "path to the hugepage file backing the DMA buffer")
		nspages = flag.Int("n", 5, "number of superpages to transfer")
		spsize  = flag.Uint64("size", 2<<20, "size of a superpage in bytes")
		timeout = flag.Duration("timeout", 5*time.Second, "overall deadline for the transfers")
		reset   = flag.String("reset", "INTERNAL", "channel reset level (NOTHING, INTERNAL, INTERNAL_SIU)")
	)

	flag.Usage = func() {
		fmt.Printf(`roc-example pushes a few superpages to a readout card and waits for
the card to fill them.

Usage: roc-example [OPTIONS]

Example:

 $> roc-example -id 0000:42:00.0 -buf /dev/hugepages/roc-example.bin

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *id == "" {
		flag.Usage()
		log.Fatalf("missing card PCI address")
	}

	lvl, err := readout.ParseResetLevel(*reset)
	if err != nil {
		log.Fatalf("invalid reset level: %+v", err)
	}

	err = xmain(*id, *bar, *fname, *nspages, *spsize, *timeout, lvl)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(id string, index int, fname string, n int, size uint64, timeout time.Duration, lvl readout.ResetLevel) error {
	bar, err := readout.OpenBar(id, index)
	if err != nil {
		return fmt.Errorf("could not open BAR%d of card %q: %w", index, id, err)
	}
	defer bar.Close()

	buf, err := pda.NewDMABuffer(fname, n*int(size))
	if err != nil {
		return fmt.Errorf("could not create DMA buffer: %w", err)
	}
	defer buf.Close()

	ch, err := readout.NewDMAChannel(bar, buf)
	if err != nil {
		return fmt.Errorf("could not create DMA channel: %w", err)
	}
	defer ch.Close()

	got, err := run(ch, buf.Bytes(), n, size, timeout, lvl)
	log.Printf("received %d/%d superpages", got, n)
	return err
}

// run transfers n superpages of size bytes and returns the number of
// superpages filled by the card before timeout.
func run(ch *readout.DMAChannel, data []byte, n int, size uint64, timeout time.Duration, lvl readout.ResetLevel) (int, error) {
	err := ch.ResetChannel(lvl)
	if err != nil {
		return 0, fmt.Errorf("could not reset channel: %w", err)
	}

	err = ch.StartDMA()
	if err != nil {
		return 0, fmt.Errorf("could not start DMA: %w", err)
	}
	defer func() {
		_, err := ch.StopDMA()
		if err != nil {
			log.Printf("could not stop DMA: %+v", err)
		}
	}()

	var (
		pushed   = 0
		got      = 0
		deadline = time.Now().Add(timeout)
	)
	for got < n {
		if time.Now().After(deadline) {
			return got, fmt.Errorf("timeout after %v", timeout)
		}

		for pushed < n && ch.TransferQueueAvailable() > 0 {
			sp := readout.Superpage{Offset: uint64(pushed) * size, Size: size}
			err = ch.PushSuperpage(sp)
			if err != nil {
				return got, fmt.Errorf("could not push superpage %d: %w", pushed, err)
			}
			pushed++
		}

		_, err = ch.FillSuperpages()
		if err != nil {
			return got, fmt.Errorf("could not collect superpages: %w", err)
		}

		if ch.ReadyQueueSize() == 0 {
			time.Sleep(100 * time.Microsecond)
			continue
		}

		for ch.ReadyQueueSize() > 0 {
			sp, err := ch.PopSuperpage()
			if err != nil {
				return got, fmt.Errorf("could not pop superpage: %w", err)
			}
			log.Printf(
				"superpage[%d]: offset=0x%x size=%d received=%d word[0]=0x%08x",
				got, sp.Offset, sp.Size, sp.Received,
				binary.LittleEndian.Uint32(data[sp.Offset:]),
			)
			got++
		}
	}

	return got, nil
}
