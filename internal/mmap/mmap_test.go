// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap // import "github.com/go-lpc/gsc/internal/mmap"

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestHandleFrom(t *testing.T) {
	h := HandleFrom([]byte{0, 1, 2, 3})

	if got, want := h.Len(), 4; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	if got, want := h.At(1), byte(1); got != want {
		t.Fatalf("invalid value: got=%d, want=%d", got, want)
	}

	_, err := h.WriteAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid WriteAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.ReadAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid ReadAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	n, err := h.WriteAt([]byte{1, 2, 3}, 2)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("invalid short-write error: %+v", err)
	}
	if n != 2 {
		t.Fatalf("invalid short-write count: got=%d, want=%d", n, 2)
	}
}

func TestOpen(t *testing.T) {
	tmp := t.TempDir()
	fname := filepath.Join(tmp, "bar0")
	err := os.WriteFile(fname, []byte{0x11, 0x22, 0x33, 0x44, 0, 0, 0, 0}, 0644)
	if err != nil {
		t.Fatalf("could not create bar file: %+v", err)
	}

	h, err := Open(fname, 0, 0)
	if err != nil {
		t.Fatalf("could not mmap bar file: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 8; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{0xaa, 0xbb}, 4)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	buf := make([]byte, 8)
	_, err = h.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := buf[5], byte(0xbb); got != want {
		t.Fatalf("invalid value: got=0x%x, want=0x%x", got, want)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not close handle: %+v", err)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read back bar file: %+v", err)
	}
	if got, want := raw[4], byte(0xaa); got != want {
		t.Fatalf("mapping not shared: got=0x%x, want=0x%x", got, want)
	}

	_, err = Open(filepath.Join(tmp, "not-there"), 0, 8)
	if err == nil {
		t.Fatalf("expected an error opening a missing file")
	}
}
