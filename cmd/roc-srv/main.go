// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-srv starts a TDAQ server streaming the superpages filled by
// a readout card.
//
// The PCI address of the card is the first positional argument.
// The following environment variables are also honored:
//   - ROC_BAR: index of the DMA BAR (default: 0),
//   - ROC_BUF: hugepage file backing the DMA buffer,
//   - ROC_CONDDB: name of the configuration database (default: none).
package main // import "github.com/go-lpc/roc/cmd/roc-srv"

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) == 0 {
		log.Fatalf("roc-srv: missing card PCI address")
	}

	dev := newDevice(cmd.Args[0])
	if v := os.Getenv("ROC_BAR"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("roc-srv: invalid ROC_BAR value %q: %+v", v, err)
		}
		dev.index = i
	}
	if v := os.Getenv("ROC_BUF"); v != "" {
		dev.fname = v
	}
	dev.dbname = os.Getenv("ROC_CONDDB")

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/superpages", dev.superpages)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
