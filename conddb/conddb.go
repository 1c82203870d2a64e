// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb gives access to the configuration database of the
// readout cards.
package conddb // import "github.com/go-lpc/roc/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	host = "localhost"
	usr  = "username"
	pwd  = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to easily retrieve the configuration
// of readout cards.
type DB struct {
	db   *sql.DB
	name string // name of the configuration database
}

// Open opens a connection to the configuration database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

const queryCardConfig = `
SELECT serial, dyn_offset, tf_length, tf_detection, qsfp, crorc_id,
       clock, downstream, link_mask
FROM cards
WHERE serial=?
ORDER BY datetime DESC LIMIT 1
`

// CardConfig returns the most recent configuration of the card with the
// provided serial number.
func (db *DB) CardConfig(ctx context.Context, serial int32) (CardConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		cfg CardConfig
		n   = 0
	)
	rows, err := db.db.QueryContext(ctx, queryCardConfig, serial)
	if err != nil {
		return cfg, fmt.Errorf("conddb: could not query card cfg: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(
			&cfg.Serial, &cfg.DynamicOffset,
			&cfg.TimeFrameLength, &cfg.TimeFrameDetection,
			&cfg.QSFP, &cfg.CrorcID,
			&cfg.Clock, &cfg.Downstream, &cfg.LinkMask,
		)
		if err != nil {
			return cfg, fmt.Errorf("conddb: could not scan card cfg: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return cfg, fmt.Errorf("conddb: could not scan db for card cfg: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cfg, fmt.Errorf("conddb: context error while retrieving card cfg: %w", err)
	}

	if n == 0 {
		return cfg, fmt.Errorf("conddb: no configuration for card %d", serial)
	}

	return cfg, nil
}

// Cards returns the serial numbers of all the configured cards.
func (db *DB) Cards(ctx context.Context) ([]int32, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cards []int32
	rows, err := db.db.QueryContext(ctx, "SELECT DISTINCT serial FROM cards ORDER BY serial")
	if err != nil {
		return cards, fmt.Errorf(
			"conddb: could not run cards query: %w",
			err,
		)
	}
	defer rows.Close()

	for rows.Next() {
		var serial int32
		err = rows.Scan(&serial)
		if err != nil {
			return cards, fmt.Errorf(
				"conddb: could not scan cards: %w",
				err,
			)
		}
		cards = append(cards, serial)
	}

	if err := rows.Err(); err != nil {
		return cards, fmt.Errorf(
			"conddb: could not scan db for cards: %w",
			err,
		)
	}

	if err := ctx.Err(); err != nil {
		return cards, fmt.Errorf(
			"conddb: context error while retrieving cards: %w",
			err,
		)
	}

	return cards, nil
}
