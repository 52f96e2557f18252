// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma manages the physically contiguous memory and the circular
// chain of PLX descriptors used to stream data from a board FIFO into
// host memory.
package dma // import "github.com/go-lpc/gsc/dma"

import (
	"errors"
	"fmt"
)

// PhysAddr is a bus address, as seen by the PCI bridge.
type PhysAddr uint64

func (addr PhysAddr) String() string {
	return fmt.Sprintf("0x%08x", uint64(addr))
}

var (
	// ErrResourceExhausted is returned when DMA memory could not be obtained.
	ErrResourceExhausted = errors.New("dma: resource exhausted")

	errInvalidAlign = errors.New("dma: invalid alignment")
)

// Mem is a chunk of DMA-able memory.
type Mem interface {
	// Bytes returns the CPU view of the memory.
	Bytes() []byte
	// Phys returns the bus address of the first byte.
	Phys() PhysAddr
	// Close gives the memory back to its allocator.
	Close() error
}

// Allocator hands out DMA-able memory.
type Allocator interface {
	Alloc(size, align int) (Mem, error)
}
