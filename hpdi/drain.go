// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"fmt"
)

// drain copies the buffers completed by the DMA engine into the sink, in
// ring order, starting at the cursor.
// drain visits at most one ring revolution per call.
func (dev *Device) drain() error {
	n, err := dev.pending()
	if err != nil {
		return err
	}

	for i := 0; i < n && dev.sess.State == Running; i++ {
		err = dev.consume()
		if err != nil {
			return err
		}
	}
	return nil
}

// pending returns the number of buffers ready to be drained.
func (dev *Device) pending() (int, error) {
	depth := dev.ring.Len()

	if bc, ok := dev.dma.(BlockCounter); ok {
		blocks, err := bc.CompletedBlocks()
		if err != nil {
			return 0, fmt.Errorf("hpdi: could not read DMA block counter: %w", err)
		}
		n := blocks - dev.base - dev.sess.Blocks
		if n > uint64(depth) {
			return 0, fmt.Errorf("%w: %d buffers pending (ring depth %d)", ErrOverrun, n, depth)
		}
		return int(n), nil
	}

	addr, err := dev.dma.CurrentTransferAddress()
	if err != nil {
		return 0, fmt.Errorf("hpdi: could not read DMA transfer address: %w", err)
	}
	n := 0
	for n < depth && !dev.ring.Contains((dev.cursor+n)%depth, addr) {
		n++
	}
	if n == depth {
		return 0, fmt.Errorf("%w: transfer address %v not reachable from buffer %d", ErrOverrun, addr, dev.cursor)
	}
	return n, nil
}

// consume drains the buffer at the cursor and advances it.
func (dev *Device) consume() error {
	buf := dev.ring.Buffer(dev.cursor)
	p := buf.Data
	if dev.sess.Stop == TrigCount {
		if max := dev.sess.Remaining * SampleSize; uint64(len(p)) > max {
			p = p[:max]
		}
	}

	err := dev.sink.Append(p)
	if err != nil {
		return fmt.Errorf("hpdi: could not drain buffer %d: %w", buf.Index, err)
	}

	dev.cursor = (dev.cursor + 1) % dev.ring.Len()
	dev.onDrainComplete(uint64(len(p) / SampleSize))
	return nil
}

// onDrainComplete accounts for n drained samples and ends a counted
// acquisition once all its samples were delivered.
func (dev *Device) onDrainComplete(n uint64) {
	dev.sess.Samples += n
	dev.sess.Blocks++

	if dev.sess.Stop != TrigCount {
		return
	}
	dev.sess.Remaining -= n
	if dev.sess.Remaining > 0 {
		return
	}

	dev.sess.State = Stopping
	if err := dev.disable(); err != nil {
		dev.sess.State = Running
		dev.fail(fmt.Errorf("hpdi: could not stop acquisition: %w", err))
		return
	}
	dev.notify()
}
