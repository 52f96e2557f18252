// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakeplx simulates a PCI-HPDI32 board behind a PLX PCI 9080
// bridge: register windows, descriptor chain walking and interrupts.
package fakeplx // import "github.com/go-lpc/gsc/internal/fakeplx"

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-lpc/gsc/dma"
	"github.com/go-lpc/gsc/internal/retry"
	"github.com/go-lpc/gsc/plx"
)

// Board registers, relative to BAR2.
const (
	regFirmware = 0x00
	regControl  = 0x04
	regStatus   = 0x08
	regIntr     = 0x34
	regTxFIFO   = 0x40
	regRxFIFO   = 0x44
)

const (
	ctlBoardReset  = 0x1
	ctlRxFIFOReset = 0x4
	ctlRxEnable    = 0x20

	statusRxNotEmpty = 0x1000
	statusRxOverrun  = 0x8000000
)

// Firmware is the content of the simulated firmware revision register:
// sub-id 0x24, pcb revision 1, firmware revision 7.
const Firmware = 0x240107

// FIFOSize is the simulated size in words of the board FIFOs.
const FIFOSize = 0x8000

// Sim is a simulated board.
// Samples produced by the board are 32-bit little-endian words holding a
// running counter, starting at 0.
type Sim struct {
	mu   sync.Mutex
	mem  *dma.Region
	bar0 Regs
	bar2 Regs

	running bool
	rx      bool
	desc    dma.PhysAddr // bus address of the current descriptor
	blocks  uint64       // number of completed descriptors
	seq     uint32       // next sample value
	stuck   int          // number of polls the bridge stays busy after an abort

	irq chan struct{}
}

// New creates a simulated board transferring data into mem.
func New(mem *dma.Region) *Sim {
	sim := &Sim{
		mem: mem,
		irq: make(chan struct{}, 1),
	}
	sim.bar0 = Regs{mu: &sim.mu, mem: make([]byte, 0x100), write: sim.writeBAR0, read: sim.readBAR0}
	sim.bar2 = Regs{mu: &sim.mu, mem: make([]byte, 0x60), write: sim.writeBAR2}

	sim.bar2.set32(regFirmware, Firmware)
	sim.bar2.set32(regTxFIFO, FIFOSize)
	sim.bar2.set32(regRxFIFO, FIFOSize)
	return sim
}

// BAR0 returns the bridge register window.
func (sim *Sim) BAR0() *Regs { return &sim.bar0 }

// BAR2 returns the board register window.
func (sim *Sim) BAR2() *Regs { return &sim.bar2 }

// Bridge is a PLX bridge driving a simulated board.
// On top of the register-level bridge, it exposes the number of
// descriptors completed by the simulated DMA engine.
type Bridge struct {
	*plx.Bridge
	sim *Sim
}

// Bridge returns a bridge driving the simulated board.
func (sim *Sim) Bridge() *Bridge {
	return &Bridge{
		Bridge: plx.New(&sim.bar0, plx.WithPoll(retry.Policy{Max: 8})),
		sim:    sim,
	}
}

// CompletedBlocks returns the number of descriptors completed so far.
func (b *Bridge) CompletedBlocks() (uint64, error) {
	return b.sim.Blocks(), nil
}

// Blocks returns the number of descriptors completed so far.
func (sim *Sim) Blocks() uint64 {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.blocks
}

// Running reports whether the DMA engine is walking a descriptor chain
// with the board receiver enabled.
func (sim *Sim) Running() bool {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.running && sim.rx
}

// SetOverrun sets or clears the receive FIFO overrun status bit.
func (sim *Sim) SetOverrun(v bool) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	st := sim.bar2.u32(regStatus)
	switch {
	case v:
		st |= statusRxOverrun
	default:
		st &^= statusRxOverrun
	}
	sim.bar2.set32(regStatus, st)
}

// SetAbortLatency sets the number of status polls during which the DMA
// engine reports busy after an abort request.
func (sim *Sim) SetAbortLatency(n int) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.stuck = n
}

// Produce fills up to n descriptors worth of data, as the hardware would,
// and raises an interrupt for every completed descriptor asking for one.
// Produce returns the number of completed descriptors, which is less than
// n if the DMA engine is stopped or the receiver disabled.
func (sim *Sim) Produce(n int) (int, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	var (
		done  int
		raise bool
	)
	for done < n && sim.running && sim.rx {
		desc, err := sim.descriptor(sim.desc)
		if err != nil {
			return done, err
		}
		buf, ok := sim.mem.At(desc.PCIAddr, int(desc.Size))
		if !ok {
			return done, fmt.Errorf("fakeplx: invalid transfer address %v", desc.PCIAddr)
		}
		for i := 0; i+4 <= len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:], sim.seq)
			sim.seq++
		}
		sim.blocks++
		done++

		if desc.Flags&dma.DescIntrTermCount != 0 {
			raise = true
		}
		if desc.Flags&dma.DescEndOfChain != 0 {
			sim.running = false
			break
		}
		err = sim.load(desc.Next)
		if err != nil {
			return done, err
		}
	}

	if raise {
		sim.bar0.set32(plx.RegIntCSR, sim.bar0.u32(plx.RegIntCSR)|plx.IntCSRDMA0Active)
		sim.Raise()
	}
	return done, nil
}

// Partial moves the transfer address off bytes into the current buffer,
// as if a transfer were in flight.
func (sim *Sim) Partial(off int) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	desc, err := sim.descriptor(sim.desc)
	if err != nil {
		return err
	}
	sim.bar0.set32(plx.RegDMAPADR, uint32(desc.PCIAddr)+uint32(off))
	return nil
}

// Raise signals an interrupt. Interrupts raised before the previous one
// was consumed are coalesced.
func (sim *Sim) Raise() {
	select {
	case sim.irq <- struct{}{}:
	default:
	}
}

// Wait blocks until an interrupt is raised or the context is done.
func (sim *Sim) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sim.irq:
		return nil
	}
}

// Run produces n descriptors every period, until ctx is done.
func (sim *Sim) Run(ctx context.Context, period time.Duration, n int) error {
	tick := time.NewTicker(period)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			_, err := sim.Produce(n)
			if err != nil {
				return err
			}
		}
	}
}

func (sim *Sim) descriptor(addr dma.PhysAddr) (dma.Descriptor, error) {
	var desc dma.Descriptor
	raw, ok := sim.mem.At(addr, dma.DescSize)
	if !ok {
		return desc, fmt.Errorf("fakeplx: invalid descriptor address %v", addr)
	}
	next := binary.LittleEndian.Uint32(raw[12:16])
	desc.PCIAddr = dma.PhysAddr(binary.LittleEndian.Uint32(raw[0:4]))
	desc.LocalAddr = binary.LittleEndian.Uint32(raw[4:8])
	desc.Size = binary.LittleEndian.Uint32(raw[8:12])
	desc.Next = dma.PhysAddr(next &^ 0xf)
	desc.Flags = dma.DescFlag(next & 0xf)
	return desc, nil
}

// load makes addr the current descriptor.
func (sim *Sim) load(addr dma.PhysAddr) error {
	desc, err := sim.descriptor(addr)
	if err != nil {
		return err
	}
	sim.desc = addr
	sim.bar0.set32(plx.RegDMAPADR, uint32(desc.PCIAddr))
	sim.bar0.set32(plx.RegDMALADR, desc.LocalAddr)
	sim.bar0.set32(plx.RegDMASIZ, desc.Size)
	return nil
}

func (sim *Sim) writeBAR0(off int64, p []byte) {
	if off != plx.RegDMACSR {
		return
	}
	v := p[0]
	switch {
	case v&plx.CSRAbort != 0:
		sim.running = false
		sim.bar0.mem[off] = plx.CSRDone
		if sim.stuck > 0 {
			sim.bar0.mem[off] = plx.CSREnable
		}
	case v&plx.CSREnable == 0:
		sim.running = false
		sim.bar0.mem[off] = v &^ plx.CSRClearIntr
	default:
		if v&plx.CSRStart != 0 {
			head := dma.PhysAddr(sim.bar0.u32(plx.RegDMADPR) &^ 0xf)
			if err := sim.load(head); err == nil {
				sim.running = true
			}
		}
		sim.bar0.mem[off] = plx.CSREnable
	}
	if v&plx.CSRClearIntr != 0 {
		sim.bar0.set32(plx.RegIntCSR, sim.bar0.u32(plx.RegIntCSR)&^plx.IntCSRDMA0Active)
	}
}

func (sim *Sim) readBAR0(off int64) {
	if off != plx.RegDMACSR || sim.stuck == 0 {
		return
	}
	if sim.bar0.mem[off]&plx.CSRDone == 0 && sim.bar0.mem[off]&plx.CSREnable != 0 && !sim.running {
		sim.stuck--
		if sim.stuck == 0 {
			sim.bar0.mem[off] = plx.CSRDone
		}
	}
}

func (sim *Sim) writeBAR2(off int64, p []byte) {
	if off != regControl {
		return
	}
	v := binary.LittleEndian.Uint32(p)
	st := sim.bar2.u32(regStatus)
	if v&ctlBoardReset != 0 {
		st = 0
		v = 0
	}
	if v&ctlRxFIFOReset != 0 {
		st &^= statusRxNotEmpty | statusRxOverrun
		v &^= ctlRxFIFOReset
	}
	sim.rx = v&ctlRxEnable != 0
	sim.bar2.set32(regStatus, st)
	sim.bar2.set32(regControl, v)
}

// Regs is a simulated register window.
type Regs struct {
	mu    *sync.Mutex
	mem   []byte
	write func(off int64, p []byte)
	read  func(off int64)
}

// ReadAt implements io.ReaderAt.
func (r *Regs) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.mem)) {
		return 0, fmt.Errorf("fakeplx: invalid read at 0x%x", off)
	}
	if r.read != nil {
		r.read(off)
	}
	return copy(p, r.mem[off:]), nil
}

// WriteAt implements io.WriterAt.
func (r *Regs) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.mem)) {
		return 0, fmt.Errorf("fakeplx: invalid write at 0x%x", off)
	}
	n := copy(r.mem[off:], p)
	if r.write != nil {
		r.write(off, p)
	}
	return n, nil
}

// U32 returns the current value of a 32-bit register.
func (r *Regs) U32(off int64) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.u32(off)
}

func (r *Regs) u32(off int64) uint32 {
	return binary.LittleEndian.Uint32(r.mem[off:])
}

func (r *Regs) set32(off int64, v uint32) {
	binary.LittleEndian.PutUint32(r.mem[off:], v)
}
