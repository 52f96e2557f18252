// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plx drives the DMA engine of a PLX PCI 9080 bus bridge through
// its memory-mapped local configuration registers.
package plx // import "github.com/go-lpc/gsc/plx"

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/gsc/dma"
	"github.com/go-lpc/gsc/internal/retry"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// IntrStatus describes the DMA channel state seen when acknowledging an
// interrupt.
type IntrStatus struct {
	Active  bool // the DMA channel raised the interrupt
	Enabled bool // the DMA channel is still enabled
}

// Bridge is the DMA channel 0 of a PCI 9080, configured for chained
// demand-mode transfers from a local FIFO to host memory.
//
// Bridge is not safe for concurrent use: callers serialize accesses to
// the command/status register.
type Bridge struct {
	rw   rwer
	buf  [4]byte
	err  error
	poll retry.Policy
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPoll sets the polling policy used while aborting transfers.
func WithPoll(p retry.Policy) Option {
	return func(b *Bridge) {
		b.poll = p
	}
}

// New returns a bridge driving the registers exposed by rw (BAR0).
func New(rw rwer, opts ...Option) *Bridge {
	b := &Bridge{
		rw:   rw,
		poll: retry.Policy{Interval: retry.Default.Interval, Max: 10000},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach disables interrupts, stops both DMA channels, configures
// channel 0 for chained demand-mode transfers and enables the PCI and
// DMA channel 0 interrupts.
func (b *Bridge) Attach() error {
	b.writeU32(RegIntCSR, 0)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not disable interrupts: %w", err)
	}

	for ch := 0; ch < 2; ch++ {
		err := b.abort(ch)
		if err != nil {
			return fmt.Errorf("plx: could not abort DMA channel %d: %w", ch, err)
		}
	}

	b.writeU32(RegDMAMode, dmaMode)
	b.writeU32(RegIntCSR, intrMask)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not configure DMA channel 0: %w", err)
	}
	return nil
}

// Detach disables all bridge interrupts.
func (b *Bridge) Detach() error {
	b.writeU32(RegIntCSR, 0)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not disable interrupts: %w", err)
	}
	return nil
}

// Program hands the bus address of the first descriptor of a chain to
// DMA channel 0.
func (b *Bridge) Program(head dma.PhysAddr) error {
	bits := uint32(head) | DescInPCI | DescIntrTermCount | DescLocalToPCI
	b.writeU32(RegDMADPR, bits)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not program descriptor pointer %v: %w", head, err)
	}
	return nil
}

// Enable starts walking the descriptor chain.
func (b *Bridge) Enable() error {
	b.writeU8(RegDMACSR, CSREnable|CSRStart|CSRClearIntr)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not enable DMA: %w", err)
	}
	return nil
}

// Disable pauses DMA channel 0 after the current transfer.
// Disable does not wait for the channel to become idle.
func (b *Bridge) Disable() error {
	b.writeU8(RegDMACSR, 0)
	if err := b.flush(); err != nil {
		return fmt.Errorf("plx: could not disable DMA: %w", err)
	}
	return nil
}

// Abort stops DMA channel 0 and waits for the channel to report done.
func (b *Bridge) Abort() error {
	return b.abort(0)
}

func (b *Bridge) abort(ch int) error {
	csr := int64(RegDMACSR + ch)
	status := b.readU8(csr)
	if err := b.flush(); err != nil {
		return err
	}
	if status&CSREnable == 0 {
		return nil
	}

	// wait for the done bit of a previous transfer to be cleared.
	err := retry.Until(b.poll, "plx: done bit not cleared", func() (bool, error) {
		v := b.readU8(csr)
		return v&CSRDone == 0, b.flush()
	})
	if err != nil {
		return err
	}

	b.writeU8(csr, CSRAbort)
	if err := b.flush(); err != nil {
		return err
	}

	err = retry.Until(b.poll, "plx: DMA abort not done", func() (bool, error) {
		v := b.readU8(csr)
		return v&CSRDone != 0, b.flush()
	})
	if err != nil {
		return err
	}
	return nil
}

// CurrentTransferAddress returns the bus address DMA channel 0 is
// currently transferring to.
func (b *Bridge) CurrentTransferAddress() (dma.PhysAddr, error) {
	v := b.readU32(RegDMAPADR)
	if err := b.flush(); err != nil {
		return 0, fmt.Errorf("plx: could not read DMA PCI address: %w", err)
	}
	return dma.PhysAddr(v), nil
}

// ClearInterrupt acknowledges a DMA channel 0 interrupt, keeping the
// channel enable bit untouched, and clears pending doorbell interrupts.
func (b *Bridge) ClearInterrupt() (IntrStatus, error) {
	var (
		intr   = b.readU32(RegIntCSR)
		status = b.readU8(RegDMACSR)
		st     IntrStatus
	)
	if intr&IntCSRDMA0Active != 0 {
		b.writeU8(RegDMACSR, (status&CSREnable)|CSRClearIntr)
		st.Active = true
		st.Enabled = status&CSREnable != 0
	}
	if intr&IntCSRDMA1Active != 0 {
		v := b.readU8(RegDMACSR + 1)
		b.writeU8(RegDMACSR+1, (v&CSREnable)|CSRClearIntr)
	}
	if intr&IntCSRDoorbellAct != 0 {
		v := b.readU32(RegDBROut)
		b.writeU32(RegDBROut, v)
	}

	if err := b.flush(); err != nil {
		return st, fmt.Errorf("plx: could not acknowledge interrupt: %w", err)
	}
	return st, nil
}

// flush returns and resets the error of the last register accesses.
func (b *Bridge) flush() error {
	err := b.err
	b.err = nil
	return err
}

func (b *Bridge) readU8(off int64) uint8 {
	if b.err != nil {
		return 0
	}
	_, b.err = b.rw.ReadAt(b.buf[:1], off)
	if b.err != nil {
		b.err = fmt.Errorf("plx: could not read register 0x%x: %w", off, b.err)
		return 0
	}
	return b.buf[0]
}

func (b *Bridge) writeU8(off int64, v uint8) {
	if b.err != nil {
		return
	}
	b.buf[0] = v
	_, b.err = b.rw.WriteAt(b.buf[:1], off)
	if b.err != nil {
		b.err = fmt.Errorf("plx: could not write register 0x%x: %w", off, b.err)
	}
}

func (b *Bridge) readU32(off int64) uint32 {
	if b.err != nil {
		return 0
	}
	_, b.err = b.rw.ReadAt(b.buf[:4], off)
	if b.err != nil {
		b.err = fmt.Errorf("plx: could not read register 0x%x: %w", off, b.err)
		return 0
	}
	return binary.LittleEndian.Uint32(b.buf[:4])
}

func (b *Bridge) writeU32(off int64, v uint32) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[:4], v)
	_, b.err = b.rw.WriteAt(b.buf[:4], off)
	if b.err != nil {
		b.err = fmt.Errorf("plx: could not write register 0x%x: %w", off, b.err)
	}
}
