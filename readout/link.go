// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
)

// LinkStatus is the sticky status of a link.
type LinkStatus uint8

const (
	LinkDown      LinkStatus = 0
	LinkUp        LinkStatus = 1
	LinkUpWasDown LinkStatus = 2 // up, but went down since the last ResetStickyBits.
)

func (st LinkStatus) String() string {
	switch st {
	case LinkDown:
		return "DOWN"
	case LinkUp:
		return "UP"
	case LinkUpWasDown:
		return "UP (was DOWN)"
	default:
		return fmt.Sprintf("LinkStatus(%d)", uint8(st))
	}
}

// LinkTracker tracks the sticky status of a set of links across
// successive reads of their instantaneous status.
//
// A link that goes down after having been up is reported as
// LinkUpWasDown once it comes back up, until ResetStickyBits is called.
// Hardware readings are not debounced.
type LinkTracker struct {
	links map[int]linkState
}

type linkState struct {
	st    LinkStatus
	latch bool // a down event was observed while up
}

func NewLinkTracker() *LinkTracker {
	return &LinkTracker{links: make(map[int]linkState)}
}

// Update feeds the instantaneous status of link id and returns its
// new sticky status.
func (lt *LinkTracker) Update(id int, up bool) LinkStatus {
	cur := lt.links[id]
	switch {
	case !up:
		if cur.st != LinkDown {
			cur.latch = true
		}
		cur.st = LinkDown
	case cur.latch:
		cur.st = LinkUpWasDown
	default:
		cur.st = LinkUp
	}
	lt.links[id] = cur
	return cur.st
}

// Status returns the last sticky status of link id.
func (lt *LinkTracker) Status(id int) LinkStatus {
	return lt.links[id].st
}

// ResetStickyBits forgets all the down events observed so far.
func (lt *LinkTracker) ResetStickyBits() {
	for id, cur := range lt.links {
		cur.latch = false
		if cur.st == LinkUpWasDown {
			cur.st = LinkUp
		}
		lt.links[id] = cur
	}
}
