// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-sql displays the configuration of readout cards stored in
// the condition database.
package main // import "github.com/go-lpc/roc/cmd/roc-sql"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/roc/conddb"
)

func main() {
	log.SetPrefix("roc-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "rocdb", "name of the condition database")
		serial = flag.Int("serial", -1, "serial number of the card to inspect (default: all cards)")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open condition db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, *serial)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type cardDB interface {
	Cards(ctx context.Context) ([]int32, error)
	CardConfig(ctx context.Context, serial int32) (conddb.CardConfig, error)
}

func doQuery(w io.Writer, db cardDB, serial int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var serials []int32
	switch {
	case serial >= 0:
		serials = []int32{int32(serial)}
	default:
		vs, err := db.Cards(ctx)
		if err != nil {
			return fmt.Errorf("could not get list of cards: %w", err)
		}
		serials = vs
		log.Printf("cards: %d", len(serials))
	}

	cfgs := make([]conddb.CardConfig, 0, len(serials))
	for _, serial := range serials {
		cfg, err := db.CardConfig(ctx, serial)
		if err != nil {
			return fmt.Errorf("could not get config of card %d: %w", serial, err)
		}
		cfgs = append(cfgs, cfg)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(cfgs)
	if err != nil {
		return fmt.Errorf("could not encode card configurations: %w", err)
	}
	return nil
}
