// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-reg is an interactive shell to read and write the
// registers of a readout card.
//
// Usage: roc-reg [OPTIONS]
//
// Example:
//
//	$> roc-reg -id 0000:42:00.0 -bar 2
//	roc> read 0x10
//	BAR2[0x010] = 0x00000001
//	roc> write 0x10 0
//	roc> report
//	roc> quit
package main // import "github.com/go-lpc/roc/cmd/roc-reg"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/roc/readout"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("roc-reg: ")
	log.SetFlags(0)

	var (
		id   = flag.String("id", "", "PCI address of the card (e.g. 0000:42:00.0)")
		bar  = flag.Int("bar", 2, "index of the BAR to inspect")
		hist = flag.String("history", filepath.Join(os.TempDir(), ".roc-reg.history"), "path to the history file")
	)

	flag.Parse()

	if *id == "" {
		flag.Usage()
		log.Fatalf("missing card PCI address")
	}

	dev, err := readout.OpenBar(*id, *bar)
	if err != nil {
		log.Fatalf("could not open BAR%d of card %q: %+v", *bar, *id, err)
	}
	defer dev.Close()

	err = loop(dev, *hist)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func loop(bar readout.Bar, hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	sh := newShell(bar, os.Stdout)
	for {
		line, err := term.Prompt("roc> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := sh.exec(line)
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}

var cmdNames = []string{"help", "quit", "read", "report", "reset-sticky", "write"}

func complete(line string) []string {
	var out []string
	for _, name := range cmdNames {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}

type shell struct {
	bar readout.Bar
	w   io.Writer
}

func newShell(bar readout.Bar, w io.Writer) *shell {
	return &shell{bar: bar, w: w}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(line string) (bool, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintf(sh.w, `commands:
  read <word>            read a 32b register
  write <word> <value>   write a 32b register
  report                 display the card status
  reset-sticky           clear the latched link-down events
  quit                   exit the shell
`)
		return false, nil
	case "read":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: read <word>")
		}
		word, err := parseU32(args[1])
		if err != nil {
			return false, fmt.Errorf("invalid register address %q: %w", args[1], err)
		}
		v, err := sh.bar.Bank().Read(int(word))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.w, "BAR%d[0x%03x] = 0x%08x\n", sh.bar.Index(), word, v)
		return false, nil
	case "write":
		if len(args) != 3 {
			return false, fmt.Errorf("usage: write <word> <value>")
		}
		word, err := parseU32(args[1])
		if err != nil {
			return false, fmt.Errorf("invalid register address %q: %w", args[1], err)
		}
		v, err := parseU32(args[2])
		if err != nil {
			return false, fmt.Errorf("invalid register value %q: %w", args[2], err)
		}
		return false, sh.bar.Bank().Write(int(word), v)
	case "report":
		return false, sh.report()
	case "reset-sticky":
		sh.bar.ResetStickyBits()
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try \"help\")", args[0])
	}
}

func (sh *shell) report() error {
	info, err := sh.bar.Report()
	if err != nil {
		return err
	}

	serial, ok := sh.bar.Serial()
	switch {
	case ok:
		fmt.Fprintf(sh.w, "card:     %v (serial=%d)\n", sh.bar.CardType(), serial)
	default:
		fmt.Fprintf(sh.w, "card:     %v (serial=N/A)\n", sh.bar.CardType())
	}
	if fw, ok := sh.bar.FirmwareInfo(); ok {
		fmt.Fprintf(sh.w, "firmware: %s\n", fw)
	}
	fmt.Fprintf(sh.w, "clock:    %v\n", info.TTCClock)
	fmt.Fprintf(sh.w, "offset:   dynamic=%v\n", info.DynamicOffset)
	fmt.Fprintf(sh.w, "data:     %v\n", info.DownstreamData)

	ids := make([]int, 0, len(info.Links))
	for id := range info.Links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		link := info.Links[id]
		fmt.Fprintf(sh.w, "link[%02d]: enabled=%-5v status=%v\n", id, link.Enabled, link.Status)
	}
	return nil
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
