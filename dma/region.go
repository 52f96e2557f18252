// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-lpc/gsc/internal/mmap"
)

// Region is a bump allocator over a physically contiguous memory region.
//
// Chunks are released in LIFO order: closing the most recently allocated
// chunk gives its memory back, closing any other chunk is a no-op until
// the chunks above it are released too.
type Region struct {
	mu   sync.Mutex
	data []byte
	base PhysAddr
	off  int
	live []*chunk

	closer io.Closer
}

// NewRegion creates an allocator over data, whose first byte sits at the
// bus address base.
func NewRegion(data []byte, base PhysAddr) *Region {
	return &Region{data: data, base: base}
}

// NewHeap creates a region backed by regular Go memory, with a synthetic
// bus address. Heap regions are used for simulation.
func NewHeap(size int, base PhysAddr) *Region {
	return NewRegion(make([]byte, size), base)
}

var (
	sysfsUdmabuf = "/sys/class/u-dma-buf"
	devfs        = "/dev"
)

// OpenUdmabuf maps the named u-dma-buf device.
// The bus address and the size of the buffer are read from sysfs.
func OpenUdmabuf(name string) (*Region, error) {
	dir := filepath.Join(sysfsUdmabuf, name)
	phys, err := readSysfs(filepath.Join(dir, "phys_addr"))
	if err != nil {
		return nil, fmt.Errorf("dma: could not read physical address of %q: %w", name, err)
	}
	size, err := readSysfs(filepath.Join(dir, "size"))
	if err != nil {
		return nil, fmt.Errorf("dma: could not read size of %q: %w", name, err)
	}

	h, err := mmap.Open(filepath.Join(devfs, name), 0, int(size))
	if err != nil {
		return nil, fmt.Errorf("dma: could not map %q: %w", name, err)
	}

	r := NewRegion(h.Bytes(), PhysAddr(phys))
	r.closer = h
	return r, nil
}

func readSysfs(fname string) (uint64, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 64)
}

// Alloc implements Allocator.
func (r *Region) Alloc(size, align int) (Mem, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w %d", errInvalidAlign, align)
	}
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return nil, fmt.Errorf("dma: region closed: %w", ErrResourceExhausted)
	}

	var (
		a   = uint64(align)
		beg = (uint64(r.base) + uint64(r.off) + a - 1) &^ (a - 1)
		off = int(beg - uint64(r.base))
		end = off + size
	)
	if end > len(r.data) {
		return nil, fmt.Errorf(
			"dma: could not allocate %d bytes (%d/%d bytes in use): %w",
			size, r.off, len(r.data), ErrResourceExhausted,
		)
	}

	c := &chunk{
		r:    r,
		prev: r.off,
		off:  off,
		data: r.data[off:end:end],
	}
	r.off = end
	r.live = append(r.live, c)
	return c, nil
}

// At returns the CPU view of the n bytes starting at bus address addr.
func (r *Region) At(addr PhysAddr, n int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr < r.base {
		return nil, false
	}
	off := uint64(addr - r.base)
	if off+uint64(n) > uint64(len(r.data)) {
		return nil, false
	}
	return r.data[off : off+uint64(n)], true
}

// Avail returns the number of bytes left in the region.
func (r *Region) Avail() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data) - r.off
}

// Close releases the region.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = nil
	r.live = nil
	r.off = 0
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	if err != nil {
		return fmt.Errorf("dma: could not release region: %w", err)
	}
	return nil
}

func (r *Region) release(c *chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.freed = true
	for n := len(r.live); n > 0 && r.live[n-1].freed; n = len(r.live) {
		r.off = r.live[n-1].prev
		r.live = r.live[:n-1]
	}
}

type chunk struct {
	r     *Region
	prev  int // region offset before this allocation
	off   int
	data  []byte
	freed bool
}

func (c *chunk) Bytes() []byte  { return c.data }
func (c *chunk) Phys() PhysAddr { return c.r.base + PhysAddr(c.off) }

func (c *chunk) Close() error {
	if c.data == nil {
		return nil
	}
	c.data = nil
	c.r.release(c)
	return nil
}

var (
	_ Allocator = (*Region)(nil)
	_ Mem       = (*chunk)(nil)
)
