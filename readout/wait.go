// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
	"time"
)

// waitFor polls cond every interval until it returns true, an error, or
// the timeout expires.
// cond is always evaluated at least once.
func waitFor(op string, timeout, interval time.Duration, cond func() (bool, error)) error {
	var (
		start    = time.Now()
		deadline = start.Add(timeout)
	)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		now := time.Now()
		if !now.Before(deadline) {
			return newError(ErrTimeout, op, fmt.Errorf("no hardware acknowledgment after %v", now.Sub(start)))
		}
		d := interval
		if rem := deadline.Sub(now); d > rem {
			d = rem
		}
		time.Sleep(d)
	}
}
