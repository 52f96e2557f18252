// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hpdi streams the 32 digital input channels of a GSC PCI-HPDI32
// board into host memory.
//
// The board FIFO is emptied by the DMA engine of its PLX bridge, which
// loops over a ring of buffers. On every DMA interrupt the device drains
// the buffers completed since the previous interrupt into a sink, in ring
// order, until the requested number of samples has been collected or the
// acquisition is cancelled.
package hpdi // import "github.com/go-lpc/gsc/hpdi"

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-lpc/gsc/dma"
	"github.com/go-lpc/gsc/internal/retry"
	"github.com/go-lpc/gsc/stream"
)

const (
	// NumChannels is the number of digital input channels.
	NumChannels = 32

	// SampleSize is the size in bytes of one sample: one bit per channel.
	SampleSize = 4
)

var (
	ErrInvalidCommand    = errors.New("hpdi: invalid command")
	ErrAlreadyArmed      = errors.New("hpdi: already armed")
	ErrNotArmed          = errors.New("hpdi: not armed")
	ErrBusy              = errors.New("hpdi: acquisition in progress")
	ErrOverrun           = errors.New("hpdi: DMA ring overrun")
	ErrFIFOOverrun       = errors.New("hpdi: receive FIFO overrun")
	ErrCanceled          = errors.New("hpdi: acquisition canceled")
	ErrResourceExhausted = dma.ErrResourceExhausted
	ErrTimeout           = retry.ErrTimeout
	ErrSinkOverflow      = stream.ErrOverflow
)

// Direction is the direction of the data path.
type Direction int

const (
	Input Direction = iota
	Output
)

func (dir Direction) String() string {
	switch dir {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (dir Direction) MarshalText() ([]byte, error) {
	return []byte(dir.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dir *Direction) UnmarshalText(p []byte) error {
	switch strings.ToLower(string(p)) {
	case "input", "in", "rx":
		*dir = Input
	case "output", "out", "tx":
		*dir = Output
	default:
		return fmt.Errorf("hpdi: invalid direction %q", p)
	}
	return nil
}

// State is the state of an acquisition.
type State int

const (
	Idle State = iota
	Armed
	Running
	Stopping
	Error
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (st State) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (st *State) UnmarshalText(p []byte) error {
	for v := Idle; v <= Error; v++ {
		if v.String() == string(p) {
			*st = v
			return nil
		}
	}
	return fmt.Errorf("hpdi: invalid state %q", p)
}

// Sink receives the samples drained out of the DMA ring.
//
// Append is called with the device lock held: it must not block and must
// not retain p after returning.
type Sink interface {
	Append(p []byte) error
}

// Session describes the current acquisition.
type Session struct {
	State     State  `json:"state"`
	Stop      Trig   `json:"stop"`      // stop condition, TrigCount or TrigNone
	Target    uint64 `json:"target"`    // number of samples to acquire, 0 if unbounded
	Remaining uint64 `json:"remaining"` // number of samples still to acquire
	Samples   uint64 `json:"samples"`   // number of samples delivered to the sink
	Blocks    uint64 `json:"blocks"`    // number of ring buffers drained
	Err       error  `json:"-"`
}
