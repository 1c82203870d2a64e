// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"fmt"
)

// ResetLevel describes the scope of a channel reset.
// A higher level implies all the effects of the lower ones.
type ResetLevel uint8

const (
	ResetNothing     ResetLevel = 0
	ResetInternal    ResetLevel = 1 // DMA engine and card-side logic.
	ResetInternalSiu ResetLevel = 2 // Internal, plus the remote side of the link.
)

func (lvl ResetLevel) String() string {
	switch lvl {
	case ResetNothing:
		return "NOTHING"
	case ResetInternal:
		return "INTERNAL"
	case ResetInternalSiu:
		return "INTERNAL_SIU"
	default:
		return fmt.Sprintf("ResetLevel(%d)", uint8(lvl))
	}
}

// IncludesExternal reports whether the reset reaches beyond the card.
func (lvl ResetLevel) IncludesExternal() bool {
	return lvl == ResetInternalSiu
}

// ParseResetLevel parses the canonical name of a reset level.
func ParseResetLevel(s string) (ResetLevel, error) {
	switch s {
	case "NOTHING":
		return ResetNothing, nil
	case "INTERNAL":
		return ResetInternal, nil
	case "INTERNAL_SIU":
		return ResetInternalSiu, nil
	}
	return 0, newError(ErrParse, "parse-reset-level", fmt.Errorf("unknown reset level %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (lvl ResetLevel) MarshalText() ([]byte, error) {
	if lvl > ResetInternalSiu {
		return nil, newError(ErrInvalidParameter, "marshal-reset-level", fmt.Errorf("invalid reset level %d", uint8(lvl)))
	}
	return []byte(lvl.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (lvl *ResetLevel) UnmarshalText(p []byte) error {
	v, err := ParseResetLevel(string(p))
	if err != nil {
		return err
	}
	*lvl = v
	return nil
}
