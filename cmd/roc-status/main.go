// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-status displays the status of the links of readout cards.
//
// Usage: roc-status [OPTIONS]
//
// Example:
//
//	$> roc-status -id 0000:42:00.0
//	$> roc-status -id 0000:42:00.0,0000:43:00.0 -json
//	$> roc-status   # all the cards of the host
package main // import "github.com/go-lpc/roc/cmd/roc-status"

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/roc/readout"
	"golang.org/x/sync/errgroup"
)

// status registers are available on BAR2.
const barIndex = 2

func main() {
	log.SetPrefix("roc-status: ")
	log.SetFlags(0)

	var (
		ids     = flag.String("id", "", "comma-separated list of card PCI addresses (default: all cards)")
		jsonOut = flag.Bool("json", false, "toggle JSON-formatted output")
	)

	flag.Parse()

	cards, err := cardIDs(*ids)
	if err != nil {
		log.Fatalf("could not find cards: %+v", err)
	}

	reports, err := collect(cards, readout.OpenBar)
	if err != nil {
		log.Fatalf("could not collect status: %+v", err)
	}

	switch {
	case *jsonOut:
		err = writeJSON(os.Stdout, reports)
	default:
		err = writeTable(os.Stdout, reports)
	}
	if err != nil {
		log.Fatalf("could not write status: %+v", err)
	}
}

func cardIDs(ids string) ([]string, error) {
	if ids != "" {
		return strings.Split(ids, ","), nil
	}

	cards, err := readout.ListCards()
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("no readout card on this host")
	}
	out := make([]string, len(cards))
	for i, card := range cards {
		out[i] = card.BDF
	}
	return out, nil
}

type report struct {
	id   string
	typ  readout.CardType
	info readout.ReportInfo
}

type openFunc func(bdf string, index int, opts ...readout.Option) (readout.Bar, error)

// collect reports the status of all cards concurrently.
func collect(ids []string, open openFunc) ([]report, error) {
	var (
		grp errgroup.Group
		out = make([]report, len(ids))
	)
	for i := range ids {
		i := i
		grp.Go(func() error {
			bar, err := open(ids[i], barIndex)
			if err != nil {
				return fmt.Errorf("could not open card %q: %w", ids[i], err)
			}
			defer bar.Close()

			info, err := bar.Report()
			if err != nil {
				return fmt.Errorf("could not report status of card %q: %w", ids[i], err)
			}
			out[i] = report{id: ids[i], typ: bar.CardType(), info: info}
			return nil
		})
	}

	err := grp.Wait()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func linkIDs(links map[int]readout.Link) []int {
	ids := make([]int, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type linkRow struct {
	gbtMode  string
	loopback string
	gbtMux   string
	datapath string
	enabled  string
}

func newLinkRow(info readout.ReportInfo, link readout.Link) linkRow {
	row := linkRow{
		gbtMode:  link.GBTTxMode.String() + "/" + link.GBTRxMode.String(),
		loopback: "None",
		gbtMux:   link.GBTMux.String(),
		datapath: link.DatapathMode.String(),
		enabled:  "Disabled",
	}
	if link.Loopback {
		row.loopback = "Enabled"
	}
	if link.GBTMux == readout.GBTMuxTTC {
		row.gbtMux += ":" + info.DownstreamData.String()
	}
	if link.Enabled {
		row.enabled = "Enabled"
	}
	return row
}

func clockName(clk readout.Clock) string {
	switch clk {
	case readout.ClockTTC:
		return "TTC"
	default:
		return "Local"
	}
}

func offsetName(dynamic bool) string {
	if dynamic {
		return "Dynamic"
	}
	return "Fixed"
}

const (
	fmtHeader = "  %-9s %-16s %-10s %-14s %-15s %-10s %-14s %-14s %-8s %-19s\n"
	fmtRow    = "  %-9d %-16s %-10s %-14s %-15s %-10s %-14.2f %-14.2f %-8s %-19.1f\n"
)

func writeTable(w io.Writer, reports []report) error {
	header := fmt.Sprintf(fmtHeader,
		"Link ID", "GBT Mode Tx/Rx", "Loopback", "GBT MUX", "Datapath Mode",
		"Datapath", "RX freq(MHz)", "TX freq(MHz)", "Status", "Optical power(uW)",
	)
	var (
		fat  = strings.Repeat("=", len(header)-1) + "\n"
		thin = strings.Repeat("-", len(header)-1) + "\n"
		o    strings.Builder
	)

	for _, rep := range reports {
		fmt.Fprintf(&o, "%s [%v]\n", rep.id, rep.typ)
		fmt.Fprintf(&o, "----------------------------\n")
		fmt.Fprintf(&o, "%s clock | %s offset\n", clockName(rep.info.TTCClock), offsetName(rep.info.DynamicOffset))
		fmt.Fprintf(&o, "----------------------------\n")
		o.WriteString(fat)
		o.WriteString(header)
		o.WriteString(thin)
		for _, id := range linkIDs(rep.info.Links) {
			link := rep.info.Links[id]
			row := newLinkRow(rep.info, link)
			fmt.Fprintf(&o, fmtRow,
				id, row.gbtMode, row.loopback, row.gbtMux, row.datapath,
				row.enabled, link.RxFreq, link.TxFreq, link.Status, link.OpticalPower,
			)
		}
		o.WriteString(fat)
	}

	_, err := io.WriteString(w, o.String())
	return err
}

type jsonLink struct {
	GBTMode      string `json:"gbtMode"`
	Loopback     string `json:"loopback"`
	GBTMux       string `json:"gbtMux"`
	DatapathMode string `json:"datapathMode"`
	Datapath     string `json:"datapath"`
	RxFreq       string `json:"rxFreq"`
	TxFreq       string `json:"txFreq"`
	Status       string `json:"status"`
	OpticalPower string `json:"opticalPower"`
}

func writeJSON(w io.Writer, reports []report) error {
	prec := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

	out := make([]map[string]interface{}, len(reports))
	for i, rep := range reports {
		node := map[string]interface{}{
			"id":     rep.id,
			"type":   rep.typ.String(),
			"clock":  clockName(rep.info.TTCClock),
			"offset": offsetName(rep.info.DynamicOffset),
		}
		for id, link := range rep.info.Links {
			row := newLinkRow(rep.info, link)
			node[strconv.Itoa(id)] = jsonLink{
				GBTMode:      row.gbtMode,
				Loopback:     row.loopback,
				GBTMux:       row.gbtMux,
				DatapathMode: row.datapath,
				Datapath:     row.enabled,
				RxFreq:       prec(link.RxFreq),
				TxFreq:       prec(link.TxFreq),
				Status:       link.Status.String(),
				OpticalPower: prec(link.OpticalPower),
			}
		}
		out[i] = node
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
