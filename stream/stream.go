// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream provides the growable byte stream receiving the samples
// drained out of a DMA ring.
package stream // import "github.com/go-lpc/gsc/stream"

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var (
	// ErrOverflow is returned when appending would grow a buffer beyond
	// its maximum size.
	ErrOverflow = errors.New("stream: buffer overflow")

	errClosed = errors.New("stream: append to closed buffer")
)

// Buffer is a FIFO byte stream with a single producer appending data and
// any number of consumers reading it.
//
// Append never waits for readers. Read blocks until data is available or
// the buffer has been closed.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	max    int
	total  uint64
	closed bool
}

// New creates a buffer holding at most max unread bytes.
// A max of zero means no limit.
func New(max int) *Buffer {
	b := &Buffer{max: max}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds p at the end of the stream.
// Append fails with ErrOverflow, without appending anything, when the
// unread data would exceed the maximum size.
func (b *Buffer) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errClosed
	}
	if b.max > 0 && b.buf.Len()+len(p) > b.max {
		return ErrOverflow
	}
	_, _ = b.buf.Write(p)
	b.total += uint64(len(p))
	b.cond.Broadcast()
	return nil
}

// Read implements io.Reader.
// Read returns io.EOF once the buffer is closed and fully consumed.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Total returns the number of bytes appended since the last reset.
func (b *Buffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Close marks the end of the stream and wakes up blocked readers.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// Reset discards unread data and reopens the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.total = 0
	b.closed = false
}

var (
	_ io.ReadCloser = (*Buffer)(nil)
)
