// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestBuffer(t *testing.T) {
	b := New(8)

	for _, p := range [][]byte{{1, 2, 3}, {4, 5}, {6, 7, 8}} {
		err := b.Append(p)
		if err != nil {
			t.Fatalf("could not append %v: %+v", p, err)
		}
	}
	if got, want := b.Len(), 8; got != want {
		t.Fatalf("invalid fill level: got=%d, want=%d", got, want)
	}

	err := b.Append([]byte{9})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("invalid overflow error: %+v", err)
	}
	if got, want := b.Len(), 8; got != want {
		t.Fatalf("overflow modified the buffer: got=%d, want=%d", got, want)
	}

	p := make([]byte, 5)
	n, err := b.Read(p)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := p[:n], []byte{1, 2, 3, 4, 5}; !bytes.Equal(got, want) {
		t.Fatalf("invalid data: got=%v, want=%v", got, want)
	}

	err = b.Append([]byte{9})
	if err != nil {
		t.Fatalf("could not append after read: %+v", err)
	}
	_ = b.Close()

	err = b.Append([]byte{10})
	if !errors.Is(err, errClosed) {
		t.Fatalf("invalid append-after-close error: %+v", err)
	}

	rest, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("could not read all: %+v", err)
	}
	if got, want := rest, []byte{6, 7, 8, 9}; !bytes.Equal(got, want) {
		t.Fatalf("invalid data: got=%v, want=%v", got, want)
	}
	if got, want := b.Total(), uint64(9); got != want {
		t.Fatalf("invalid total: got=%d, want=%d", got, want)
	}

	b.Reset()
	if b.Len() != 0 || b.Total() != 0 {
		t.Fatalf("reset did not clear the buffer")
	}
	err = b.Append([]byte{1})
	if err != nil {
		t.Fatalf("could not append after reset: %+v", err)
	}
}

func TestBufferConcurrent(t *testing.T) {
	const (
		chunk = 64
		n     = 1000
	)
	var (
		b   = New(0)
		grp errgroup.Group
		out bytes.Buffer
	)

	grp.Go(func() error {
		defer b.Close()
		p := make([]byte, chunk)
		for i := 0; i < n; i++ {
			for j := range p {
				p[j] = byte(i)
			}
			err := b.Append(p)
			if err != nil {
				return err
			}
		}
		return nil
	})
	grp.Go(func() error {
		_, err := io.Copy(&out, b)
		return err
	})

	err := grp.Wait()
	if err != nil {
		t.Fatalf("could not stream data: %+v", err)
	}

	if got, want := out.Len(), chunk*n; got != want {
		t.Fatalf("invalid stream size: got=%d, want=%d", got, want)
	}
	raw := out.Bytes()
	for i := 0; i < n; i++ {
		if got, want := raw[i*chunk], byte(i); got != want {
			t.Fatalf("invalid chunk %d: got=%d, want=%d", i, got, want)
		}
	}
}
