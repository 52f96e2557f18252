// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/go-lpc/gsc/internal/retry"
)

// Board registers, relative to BAR2.
const (
	regFirmware = 0x00
	regControl  = 0x04
	regStatus   = 0x08
	regFIFO     = 0x18
	regTxFIFOSz = 0x40
	regRxFIFOSz = 0x44

	nregs = 24
)

// Board control bits.
const (
	ctlBoardReset  = 0x1
	ctlRxFIFOReset = 0x4
	ctlRxEnable    = 0x20
	ctlDirectionTx = 0x40
)

// Board status bits.
const (
	StatusRxNotEmpty = 0x1000
	StatusTxOverrun  = 0x2000000
	StatusRxUnderrun = 0x4000000
	StatusRxOverrun  = 0x8000000
)

// FIFORegister is the local-bus address of the board data FIFO.
const FIFORegister = regFIFO

// BoardInfo describes the board firmware.
type BoardInfo struct {
	Firmware   int `json:"firmware"`     // firmware revision
	PCB        int `json:"pcb"`          // pcb revision
	SubID      int `json:"sub_id"`       // board sub-identifier
	TxFIFOSize int `json:"tx_fifo_size"` // transmit FIFO size, in words
	RxFIFOSize int `json:"rx_fifo_size"` // receive FIFO size, in words
}

// Board is the data path of the board, feeding the DMA engine.
type Board interface {
	// Reset resets the board and its FIFOs.
	Reset() error
	// ResetRxFIFO empties the receive FIFO and clears its error flags.
	ResetRxFIFO() error
	// EnableRx starts moving received data into the receive FIFO.
	EnableRx() error
	// Disable stops the transmit and receive data paths.
	Disable() error
	// SetDirection selects which FIFO the DMA engine services.
	SetDirection(dir Direction) error
	// Status returns the board status bits.
	Status() (uint32, error)
	// Info returns the board firmware description.
	Info() (BoardInfo, error)
}

// Registers is a memory-mapped register window.
type Registers interface {
	io.ReaderAt
	io.WriterAt
}

// board is a Board driven through its register window.
type board struct {
	rw   Registers
	buf  [4]byte
	err  error
	poll retry.Policy

	// bits holds software copies of register bits that stick across writes.
	bits [nregs]uint32
}

// NewBoard returns a Board driven through the registers exposed by rw (BAR2).
func NewBoard(rw Registers, opts ...BoardOption) Board {
	brd := &board{
		rw:   rw,
		poll: retry.Default,
	}
	for _, opt := range opts {
		opt(brd)
	}
	return brd
}

// BoardOption configures a register-level board.
type BoardOption func(*board)

// WithBoardPoll sets the polling policy used while waiting for the board.
func WithBoardPoll(p retry.Policy) BoardOption {
	return func(brd *board) {
		brd.poll = p
	}
}

func (brd *board) Reset() error {
	brd.bits[regControl/4] &^= ctlDirectionTx
	brd.writeU32(regControl, ctlBoardReset)
	if err := brd.flush(); err != nil {
		return fmt.Errorf("hpdi: could not reset board: %w", err)
	}

	// FIFOs are not accessible for 10us after a reset.
	time.Sleep(10 * time.Microsecond)
	err := retry.Until(brd.poll, "hpdi: receive FIFO not empty after reset", func() (bool, error) {
		st := brd.readU32(regStatus)
		return st&StatusRxNotEmpty == 0, brd.flush()
	})
	if err != nil {
		return fmt.Errorf("hpdi: could not reset board: %w", err)
	}
	return nil
}

func (brd *board) ResetRxFIFO() error {
	brd.write(regControl, ctlRxFIFOReset)
	if err := brd.flush(); err != nil {
		return fmt.Errorf("hpdi: could not reset receive FIFO: %w", err)
	}
	return nil
}

func (brd *board) EnableRx() error {
	brd.write(regControl, ctlRxEnable)
	if err := brd.flush(); err != nil {
		return fmt.Errorf("hpdi: could not enable receiver: %w", err)
	}
	return nil
}

func (brd *board) Disable() error {
	brd.write(regControl, 0)
	if err := brd.flush(); err != nil {
		return fmt.Errorf("hpdi: could not disable data path: %w", err)
	}
	return nil
}

func (brd *board) SetDirection(dir Direction) error {
	switch dir {
	case Input:
		brd.bits[regControl/4] &^= ctlDirectionTx
	case Output:
		brd.bits[regControl/4] |= ctlDirectionTx
	default:
		return fmt.Errorf("hpdi: invalid direction %d", dir)
	}
	brd.write(regControl, 0)
	if err := brd.flush(); err != nil {
		return fmt.Errorf("hpdi: could not set %v direction: %w", dir, err)
	}
	return nil
}

func (brd *board) Status() (uint32, error) {
	st := brd.readU32(regStatus)
	if err := brd.flush(); err != nil {
		return 0, fmt.Errorf("hpdi: could not read board status: %w", err)
	}
	return st, nil
}

func (brd *board) Info() (BoardInfo, error) {
	var (
		fw = brd.readU32(regFirmware)
		tx = brd.readU32(regTxFIFOSz)
		rx = brd.readU32(regRxFIFOSz)
	)
	if err := brd.flush(); err != nil {
		return BoardInfo{}, fmt.Errorf("hpdi: could not read board info: %w", err)
	}
	return BoardInfo{
		Firmware:   int(fw & 0xff),
		PCB:        int((fw >> 8) & 0xff),
		SubID:      int((fw >> 16) & 0xff),
		TxFIFOSize: int(tx & 0xfffff),
		RxFIFOSize: int(rx & 0xfffff),
	}, nil
}

// write writes v to a register, together with the register sticky bits.
func (brd *board) write(off int64, v uint32) {
	brd.writeU32(off, v|brd.bits[off/4])
}

func (brd *board) flush() error {
	err := brd.err
	brd.err = nil
	return err
}

func (brd *board) readU32(off int64) uint32 {
	if brd.err != nil {
		return 0
	}
	_, brd.err = brd.rw.ReadAt(brd.buf[:4], off)
	if brd.err != nil {
		brd.err = fmt.Errorf("hpdi: could not read register 0x%x: %w", off, brd.err)
		return 0
	}
	return binary.LittleEndian.Uint32(brd.buf[:4])
}

func (brd *board) writeU32(off int64, v uint32) {
	if brd.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(brd.buf[:4], v)
	_, brd.err = brd.rw.WriteAt(brd.buf[:4], off)
	if brd.err != nil {
		brd.err = fmt.Errorf("hpdi: could not write register 0x%x: %w", off, brd.err)
	}
}

var _ Board = (*board)(nil)
