// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
)

// DescFlag holds the control bits stored in the low nibble of the
// next-descriptor word of a PLX descriptor.
type DescFlag uint32

const (
	DescInPCI         DescFlag = 0x1 // descriptor lives in PCI address space
	DescEndOfChain    DescFlag = 0x2 // stop after this descriptor
	DescIntrTermCount DescFlag = 0x4 // interrupt when the transfer completes
	DescLocalToPCI    DescFlag = 0x8 // transfer from the local bus to the host

	descFlagMask = 0xf
)

const (
	// DescSize is the size in bytes of an encoded descriptor.
	DescSize = 16

	// Align is the alignment of descriptors and buffers.
	Align = 16

	// DefaultDepth is the default number of buffers in a ring.
	DefaultDepth = 64
	// DefaultBufferSize is the default size in bytes of a ring buffer.
	DefaultBufferSize = 4096

	chainFlags = DescInPCI | DescIntrTermCount | DescLocalToPCI
)

// Buffer is a fixed-size region of DMA-able memory.
type Buffer struct {
	Index int
	Data  []byte
	Phys  PhysAddr
}

// Descriptor is one link of the hardware transfer chain.
type Descriptor struct {
	PCIAddr   PhysAddr // bus address of the destination buffer
	LocalAddr uint32   // local-bus address of the source FIFO
	Size      uint32   // transfer size in bytes
	Next      PhysAddr // bus address of the next descriptor
	Flags     DescFlag
}

func (d Descriptor) encode(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(d.PCIAddr))
	binary.LittleEndian.PutUint32(p[4:8], d.LocalAddr)
	binary.LittleEndian.PutUint32(p[8:12], d.Size)
	binary.LittleEndian.PutUint32(p[12:16], uint32(d.Next)|uint32(d.Flags&descFlagMask))
}

func (d *Descriptor) decode(p []byte) {
	next := binary.LittleEndian.Uint32(p[12:16])
	d.PCIAddr = PhysAddr(binary.LittleEndian.Uint32(p[0:4]))
	d.LocalAddr = binary.LittleEndian.Uint32(p[4:8])
	d.Size = binary.LittleEndian.Uint32(p[8:12])
	d.Next = PhysAddr(next &^ descFlagMask)
	d.Flags = DescFlag(next & descFlagMask)
}

// Ring is a circular chain of descriptors, each pointing at one buffer.
// The last descriptor links back to the first one, so the bridge loops
// over the buffers until it is told to stop.
type Ring struct {
	local uint32
	size  int
	bufs  []Buffer
	mems  []Mem
	table Mem
}

// NewRing allocates n buffers of size bytes and builds the descriptor
// chain linking them. local is the local-bus address the bridge reads
// from (the board data FIFO).
// n must be a power of two and size a non-zero multiple of 4.
func NewRing(alloc Allocator, n, size int, local uint32) (*Ring, error) {
	switch {
	case n <= 0 || n&(n-1) != 0:
		return nil, fmt.Errorf("dma: invalid ring depth %d (not a power of two)", n)
	case size <= 0 || size%4 != 0:
		return nil, fmt.Errorf("dma: invalid buffer size %d (not a multiple of 4)", size)
	}

	ring := &Ring{
		local: local,
		size:  size,
		bufs:  make([]Buffer, n),
		mems:  make([]Mem, 0, n),
	}
	err := ring.alloc(alloc)
	if err != nil {
		_ = ring.Close()
		return nil, err
	}

	ring.link()
	return ring, nil
}

func (ring *Ring) alloc(alloc Allocator) error {
	n := len(ring.bufs)
	for i := range ring.bufs {
		mem, err := alloc.Alloc(ring.size, Align)
		if err != nil {
			return fmt.Errorf("dma: could not allocate buffer %d/%d: %w", i, n, err)
		}
		ring.mems = append(ring.mems, mem)
		if err := check32(mem.Phys(), ring.size); err != nil {
			return fmt.Errorf("dma: invalid buffer %d/%d: %w", i, n, err)
		}
		ring.bufs[i] = Buffer{
			Index: i,
			Data:  mem.Bytes()[:ring.size:ring.size],
			Phys:  mem.Phys(),
		}
	}

	table, err := alloc.Alloc(n*DescSize, Align)
	if err != nil {
		return fmt.Errorf("dma: could not allocate descriptor table: %w", err)
	}
	ring.table = table
	if err := check32(table.Phys(), n*DescSize); err != nil {
		return fmt.Errorf("dma: invalid descriptor table: %w", err)
	}
	return nil
}

func check32(addr PhysAddr, size int) error {
	if uint64(addr)+uint64(size) > 1<<32 {
		return fmt.Errorf(
			"bus address %v+%d beyond the 32-bit window: %w",
			addr, size, ErrResourceExhausted,
		)
	}
	return nil
}

// descAddr returns the bus address of the i-th descriptor.
func (ring *Ring) descAddr(i int) PhysAddr {
	return ring.table.Phys() + PhysAddr(i*DescSize)
}

func (ring *Ring) link() {
	var (
		n   = len(ring.bufs)
		tbl = ring.table.Bytes()
	)
	for i, buf := range ring.bufs {
		desc := Descriptor{
			PCIAddr:   buf.Phys,
			LocalAddr: ring.local,
			Size:      uint32(ring.size),
			Next:      ring.descAddr((i + 1) % n),
			Flags:     chainFlags,
		}
		desc.encode(tbl[i*DescSize : (i+1)*DescSize])
	}
}

// Len returns the number of buffers in the ring.
func (ring *Ring) Len() int { return len(ring.bufs) }

// BufferSize returns the size in bytes of each buffer.
func (ring *Ring) BufferSize() int { return ring.size }

// Head returns the bus address of the first descriptor.
func (ring *Ring) Head() PhysAddr { return ring.descAddr(0) }

// Buffer returns the i-th buffer of the ring.
func (ring *Ring) Buffer(i int) *Buffer { return &ring.bufs[i] }

// Contains reports whether addr falls within the i-th buffer.
func (ring *Ring) Contains(i int, addr PhysAddr) bool {
	buf := &ring.bufs[i]
	return buf.Phys <= addr && addr < buf.Phys+PhysAddr(ring.size)
}

// Descriptor decodes the i-th descriptor from the descriptor table.
func (ring *Ring) Descriptor(i int) Descriptor {
	var desc Descriptor
	desc.decode(ring.table.Bytes()[i*DescSize : (i+1)*DescSize])
	return desc
}

// Reset clears the buffers and rewrites the descriptor chain.
func (ring *Ring) Reset() {
	for i := range ring.bufs {
		data := ring.bufs[i].Data
		for j := range data {
			data[j] = 0
		}
	}
	ring.link()
}

// Close gives the ring memory back to its allocator.
func (ring *Ring) Close() error {
	var err error
	if ring.table != nil {
		err = multierr.Append(err, ring.table.Close())
		ring.table = nil
	}
	for i := len(ring.mems) - 1; i >= 0; i-- {
		err = multierr.Append(err, ring.mems[i].Close())
	}
	ring.mems = nil
	if err != nil {
		return fmt.Errorf("dma: could not release ring: %w", err)
	}
	return nil
}
