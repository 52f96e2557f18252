// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gsc holds code for the streaming acquisition of GSC PCI-HPDI32
// high-speed parallel digital I/O boards.
//
// Samples are moved by the DMA channel 0 of the PLX PCI 9080 bridge into a
// ring of host buffers (package dma) and drained, in ring order, into a
// stream buffer (package stream) on every interrupt. Package hpdi drives
// the board and holds the acquisition state machine, its command validator
// and a TCP control service. Package plx programs the bridge.
//
// Commands:
//   - hpdi-svc serves the control of a board over TCP,
//   - hpdi-ctl is an interactive client for hpdi-svc,
//   - hpdi-daq runs a board as a tdaq node.
package gsc // import "github.com/go-lpc/gsc"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of gsc and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/gsc"
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
