// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uio delivers the interrupts of a device bound to the Linux
// userspace I/O framework.
package uio // import "github.com/go-lpc/gsc/internal/uio"

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollTimeout bounds the time between two checks of the waiter context.
const pollTimeout = 50 * time.Millisecond

// Device is an open /dev/uioN device.
type Device struct {
	fd    int
	name  string
	count uint32
	buf   [4]byte
}

// Open opens the named UIO device and unmasks its interrupt.
func Open(name string) (*Device, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: could not open %q: %w", name, err)
	}
	dev := newDevice(fd, name)
	err = dev.unmask()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return dev, nil
}

func newDevice(fd int, name string) *Device {
	return &Device{fd: fd, name: name}
}

// Close closes the device.
func (dev *Device) Close() error {
	if dev.fd < 0 {
		return nil
	}
	err := unix.Close(dev.fd)
	dev.fd = -1
	if err != nil {
		return fmt.Errorf("uio: could not close %q: %w", dev.name, err)
	}
	return nil
}

// Count returns the total number of interrupts reported by the kernel.
func (dev *Device) Count() uint32 {
	return dev.count
}

// unmask re-enables the interrupt, which the kernel masks after each one.
func (dev *Device) unmask() error {
	binary.LittleEndian.PutUint32(dev.buf[:], 1)
	_, err := unix.Write(dev.fd, dev.buf[:])
	if err != nil {
		return fmt.Errorf("uio: could not unmask interrupt of %q: %w", dev.name, err)
	}
	return nil
}

// Wait blocks until an interrupt is raised or ctx is done.
// Interrupts raised since the previous call are reported once.
func (dev *Device) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return fmt.Errorf("uio: could not poll %q: %w", dev.name, err)
		case n == 0:
			continue
		}

		_, err = unix.Read(dev.fd, dev.buf[:])
		switch err {
		case nil:
		case unix.EAGAIN, unix.EINTR:
			continue
		default:
			return fmt.Errorf("uio: could not read %q: %w", dev.name, err)
		}
		dev.count = binary.LittleEndian.Uint32(dev.buf[:])
		return dev.unmask()
	}
}
