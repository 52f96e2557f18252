// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/go-lpc/gsc/internal/retry"
	"github.com/google/go-cmp/cmp"
)

type regfile struct {
	mem    [0x60]byte
	writes []uint32 // values written to the control register
	fail   bool
}

func (r *regfile) ReadAt(p []byte, off int64) (int, error) {
	if r.fail {
		return 0, fmt.Errorf("read failure")
	}
	return copy(p, r.mem[off:]), nil
}

func (r *regfile) WriteAt(p []byte, off int64) (int, error) {
	if r.fail {
		return 0, fmt.Errorf("write failure")
	}
	if off == regControl {
		r.writes = append(r.writes, binary.LittleEndian.Uint32(p))
	}
	return copy(r.mem[off:], p), nil
}

func (r *regfile) set(off int64, v uint32) {
	binary.LittleEndian.PutUint32(r.mem[off:], v)
}

func TestBoard(t *testing.T) {
	var (
		regs regfile
		brd  = NewBoard(&regs, WithBoardPoll(retry.Policy{Max: 2}))
	)

	regs.set(regFirmware, 0x2a0305)
	regs.set(regTxFIFOSz, 0xf04000)
	regs.set(regRxFIFOSz, 0x8000)

	info, err := brd.Info()
	if err != nil {
		t.Fatalf("could not read board info: %+v", err)
	}
	want := BoardInfo{Firmware: 5, PCB: 3, SubID: 0x2a, TxFIFOSize: 0x4000, RxFIFOSize: 0x8000}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("invalid board info (-want +got):\n%s", diff)
	}

	err = brd.Reset()
	if err != nil {
		t.Fatalf("could not reset board: %+v", err)
	}

	for _, f := range []func() error{
		func() error { return brd.SetDirection(Output) },
		brd.ResetRxFIFO,
		brd.EnableRx,
		func() error { return brd.SetDirection(Input) },
		brd.EnableRx,
		brd.Disable,
	} {
		err := f()
		if err != nil {
			t.Fatalf("could not drive board: %+v", err)
		}
	}

	// the direction bit sticks across writes.
	if diff := cmp.Diff([]uint32{
		ctlBoardReset,
		ctlDirectionTx,
		ctlDirectionTx | ctlRxFIFOReset,
		ctlDirectionTx | ctlRxEnable,
		0,
		ctlRxEnable,
		0,
	}, regs.writes); diff != "" {
		t.Fatalf("invalid control writes (-want +got):\n%s", diff)
	}

	regs.set(regStatus, StatusRxOverrun|StatusRxNotEmpty)
	st, err := brd.Status()
	if err != nil {
		t.Fatalf("could not read status: %+v", err)
	}
	if st&StatusRxOverrun == 0 {
		t.Fatalf("invalid status 0x%x", st)
	}

	err = brd.Reset()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("invalid reset error: %+v", err)
	}

	err = brd.SetDirection(Direction(42))
	if err == nil {
		t.Fatalf("expected an error for an invalid direction")
	}

	regs.fail = true
	_, err = brd.Status()
	if err == nil {
		t.Fatalf("expected a read error")
	}
	err = brd.EnableRx()
	if err == nil {
		t.Fatalf("expected a write error")
	}

	// register errors do not stick.
	regs.fail = false
	err = brd.EnableRx()
	if err != nil {
		t.Fatalf("could not enable receiver: %+v", err)
	}
}
