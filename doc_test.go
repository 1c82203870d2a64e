// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package roc

import (
	"runtime/debug"
	"testing"
)

func TestVersionOf(t *testing.T) {
	for _, tc := range []struct {
		name string
		bi   *debug.BuildInfo
		vers string
		sum  string
	}{
		{
			name: "nil",
		},
		{
			name: "no-dep",
			bi:   &debug.BuildInfo{Deps: []*debug.Module{{Path: "golang.org/x/sys", Version: "v0.7.0"}}},
		},
		{
			name: "dep",
			bi: &debug.BuildInfo{Deps: []*debug.Module{
				{Path: "github.com/go-lpc/roc", Version: "v0.3.1", Sum: "h1:xxx"},
			}},
			vers: "v0.3.1",
			sum:  "h1:xxx",
		},
		{
			name: "replace-path-version",
			bi: &debug.BuildInfo{Deps: []*debug.Module{
				{
					Path: "github.com/go-lpc/roc", Version: "v0.3.1",
					Replace: &debug.Module{Path: "example.org/roc", Version: "v0.3.2", Sum: "h1:yyy"},
				},
			}},
			vers: "example.org/roc v0.3.2",
			sum:  "h1:yyy",
		},
		{
			name: "replace-version",
			bi: &debug.BuildInfo{Deps: []*debug.Module{
				{
					Path: "github.com/go-lpc/roc", Version: "v0.3.1",
					Replace: &debug.Module{Version: "v0.3.2", Sum: "h1:yyy"},
				},
			}},
			vers: "v0.3.2",
			sum:  "h1:yyy",
		},
		{
			name: "replace-path",
			bi: &debug.BuildInfo{Deps: []*debug.Module{
				{
					Path: "github.com/go-lpc/roc", Version: "v0.3.1",
					Replace: &debug.Module{Path: "../roc"},
				},
			}},
			vers: "../roc",
		},
		{
			name: "replace-empty",
			bi: &debug.BuildInfo{Deps: []*debug.Module{
				{
					Path: "github.com/go-lpc/roc", Version: "v0.3.1",
					Replace: &debug.Module{},
				},
			}},
			vers: "v0.3.1*",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vers, sum := versionOf(tc.bi)
			if vers != tc.vers {
				t.Fatalf("invalid version: got=%q, want=%q", vers, tc.vers)
			}
			if sum != tc.sum {
				t.Fatalf("invalid sum: got=%q, want=%q", sum, tc.sum)
			}
		})
	}
}
