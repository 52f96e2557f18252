// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegionAlloc(t *testing.T) {
	r := NewHeap(256, 0x1004)

	a, err := r.Alloc(10, 16)
	if err != nil {
		t.Fatalf("could not allocate: %+v", err)
	}
	if got, want := a.Phys(), PhysAddr(0x1010); got != want {
		t.Fatalf("invalid aligned address: got=%v, want=%v", got, want)
	}
	if got, want := len(a.Bytes()), 10; got != want {
		t.Fatalf("invalid chunk size: got=%d, want=%d", got, want)
	}

	b, err := r.Alloc(16, 16)
	if err != nil {
		t.Fatalf("could not allocate: %+v", err)
	}
	if got, want := b.Phys(), PhysAddr(0x1020); got != want {
		t.Fatalf("invalid aligned address: got=%v, want=%v", got, want)
	}

	// out of order release keeps memory until the top chunk goes away.
	_ = a.Close()
	if got, want := r.Avail(), 256-0x2c; got != want {
		t.Fatalf("invalid avail: got=%d, want=%d", got, want)
	}
	_ = b.Close()
	if got, want := r.Avail(), 256; got != want {
		t.Fatalf("invalid avail: got=%d, want=%d", got, want)
	}

	if p, ok := r.At(0x1010, 4); !ok || len(p) != 4 {
		t.Fatalf("could not access bus address 0x1010")
	}
	if _, ok := r.At(0x1000, 4); ok {
		t.Fatalf("bus address below region accepted")
	}
	if _, ok := r.At(0x1004+250, 8); ok {
		t.Fatalf("bus address beyond region accepted")
	}

	_, err = r.Alloc(512, 16)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = r.Alloc(16, 3)
	if !errors.Is(err, errInvalidAlign) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = r.Alloc(0, 16)
	if err == nil {
		t.Fatalf("expected an error for a zero-sized allocation")
	}

	err = r.Close()
	if err != nil {
		t.Fatalf("could not close region: %+v", err)
	}

	_, err = r.Alloc(16, 16)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("invalid error after close: %+v", err)
	}
}

func TestOpenUdmabuf(t *testing.T) {
	tmp := t.TempDir()

	defer func(sys, dev string) {
		sysfsUdmabuf = sys
		devfs = dev
	}(sysfsUdmabuf, devfs)
	sysfsUdmabuf = filepath.Join(tmp, "sys")
	devfs = filepath.Join(tmp, "dev")

	const name = "udmabuf0"
	for _, dir := range []string{filepath.Join(sysfsUdmabuf, name), devfs} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			t.Fatalf("could not create %q: %+v", dir, err)
		}
	}
	for fname, content := range map[string]string{
		filepath.Join(sysfsUdmabuf, name, "phys_addr"): "0x3f000000\n",
		filepath.Join(sysfsUdmabuf, name, "size"):      "8192\n",
		filepath.Join(devfs, name):                     string(make([]byte, 8192)),
	} {
		err := os.WriteFile(fname, []byte(content), 0644)
		if err != nil {
			t.Fatalf("could not create %q: %+v", fname, err)
		}
	}

	r, err := OpenUdmabuf(name)
	if err != nil {
		t.Fatalf("could not open udmabuf: %+v", err)
	}
	defer r.Close()

	if got, want := r.Avail(), 8192; got != want {
		t.Fatalf("invalid region size: got=%d, want=%d", got, want)
	}

	ring, err := NewRing(r, 4, 1024, 0x18)
	if err != nil {
		t.Fatalf("could not create ring: %+v", err)
	}
	if got, want := ring.Head(), PhysAddr(0x3f000000+4*1024); got != want {
		t.Fatalf("invalid ring head: got=%v, want=%v", got, want)
	}
	err = ring.Close()
	if err != nil {
		t.Fatalf("could not close ring: %+v", err)
	}

	_, err = OpenUdmabuf("udmabuf1")
	if err == nil {
		t.Fatalf("expected an error opening a missing udmabuf")
	}
}
