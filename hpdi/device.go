// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/go-lpc/gsc/dma"
	"github.com/go-lpc/gsc/internal/mmap"
	"github.com/go-lpc/gsc/plx"
	"github.com/go-lpc/gsc/stream"
	"go.uber.org/multierr"
)

// Bridge is the DMA engine moving data from the board FIFO into the ring.
type Bridge interface {
	// Program sets the bus address of the first descriptor of the chain.
	Program(head dma.PhysAddr) error
	// Enable starts walking the descriptor chain.
	Enable() error
	// Disable stops the engine without waiting for it to be idle.
	Disable() error
	// Abort stops the engine and waits for the in-flight transfer to end.
	Abort() error
	// CurrentTransferAddress returns the bus address being transferred to.
	CurrentTransferAddress() (dma.PhysAddr, error)
	// ClearInterrupt acknowledges a DMA interrupt.
	ClearInterrupt() (plx.IntrStatus, error)
}

// BlockCounter is implemented by bridges able to report how many
// descriptors they completed since they were created.
// When available, the counter lets the device tell a full revolution of
// the ring from no progress at all.
type BlockCounter interface {
	CompletedBlocks() (uint64, error)
}

type attacher interface {
	Attach() error
	Detach() error
}

// IRQSource delivers the board interrupts.
type IRQSource interface {
	Wait(ctx context.Context) error
}

const errQueue = 8

// Device is a PCI-HPDI32 board streaming digital input samples.
//
// A single mutex serializes the control calls (Arm, Start, Cancel, ...)
// and the interrupt-driven drain of the DMA ring.
type Device struct {
	mu  sync.Mutex
	msg *log.Logger
	cfg Config

	brd   Board
	dma   Bridge
	alloc dma.Allocator
	sink  Sink
	ring  *dma.Ring
	block int // buffer size of the next session

	dir    Direction
	cmd    Command
	sess   Session
	cursor int    // index of the next buffer to drain
	base   uint64 // block counter value at start

	done chan struct{} // closed when the session leaves Armed or Running
	errc chan error

	closers []io.Closer
}

// Option configures a Device.
type Option func(*Device)

// WithBridge sets the DMA engine, instead of mapping the bridge registers.
func WithBridge(b Bridge) Option {
	return func(dev *Device) {
		dev.dma = b
	}
}

// WithBoard sets the board, instead of mapping the board registers.
func WithBoard(brd Board) Option {
	return func(dev *Device) {
		dev.brd = brd
	}
}

// WithAllocator sets the DMA memory allocator, instead of mapping the
// configured u-dma-buf device.
func WithAllocator(alloc dma.Allocator) Option {
	return func(dev *Device) {
		dev.alloc = alloc
	}
}

// WithSink sets the sink receiving the drained samples.
func WithSink(sink Sink) Option {
	return func(dev *Device) {
		dev.sink = sink
	}
}

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// Open attaches to a board: it maps the register windows and the DMA
// memory, builds the descriptor ring and resets the board.
// When no sink is provided, samples are collected in a *stream.Buffer.
func Open(cfg Config, opts ...Option) (*Device, error) {
	err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("hpdi: invalid configuration: %w", err)
	}

	dev := &Device{
		msg:   log.New(os.Stdout, "hpdi: ", 0),
		cfg:   cfg,
		block: cfg.BufferSize,
		errc:  make(chan error, errQueue),
	}
	for _, opt := range opts {
		opt(dev)
	}

	err = dev.attach()
	if err != nil {
		_ = dev.release()
		return nil, err
	}
	return dev, nil
}

func (dev *Device) attach() error {
	if dev.dma == nil {
		h, err := mmap.Open(dev.cfg.PLX, 0, 0)
		if err != nil {
			return fmt.Errorf("hpdi: could not map bridge registers: %w", err)
		}
		dev.closers = append(dev.closers, h)
		dev.dma = plx.New(h, plx.WithPoll(dev.cfg.abortPoll()))
	}

	if dev.brd == nil {
		h, err := mmap.Open(dev.cfg.Regs, 0, 0)
		if err != nil {
			return fmt.Errorf("hpdi: could not map board registers: %w", err)
		}
		dev.closers = append(dev.closers, h)
		dev.brd = NewBoard(h, WithBoardPoll(dev.cfg.poll()))
	}

	if dev.alloc == nil {
		mem, err := dma.OpenUdmabuf(dev.cfg.Udmabuf)
		if err != nil {
			return fmt.Errorf("hpdi: could not map DMA memory: %w", err)
		}
		dev.closers = append(dev.closers, mem)
		dev.alloc = mem
	}

	if dev.sink == nil {
		dev.sink = stream.New(dev.cfg.SinkSize)
	}

	if b, ok := dev.dma.(attacher); ok {
		err := b.Attach()
		if err != nil {
			return fmt.Errorf("hpdi: could not attach bridge: %w", err)
		}
	}

	ring, err := dma.NewRing(dev.alloc, dev.cfg.Depth, dev.block, FIFORegister)
	if err != nil {
		return fmt.Errorf("hpdi: could not create DMA ring: %w", err)
	}
	dev.ring = ring

	err = dev.brd.Reset()
	if err != nil {
		return fmt.Errorf("hpdi: could not initialize board: %w", err)
	}
	dev.dir = Input

	info, err := dev.brd.Info()
	if err != nil {
		return fmt.Errorf("hpdi: could not read board info: %w", err)
	}
	dev.msg.Printf(
		"attached board: firmware=%d pcb=%d sub-id=0x%x rx-fifo=%d words, ring=%dx%d bytes",
		info.Firmware, info.PCB, info.SubID, info.RxFIFOSize,
		ring.Len(), ring.BufferSize(),
	)
	return nil
}

// Close stops any acquisition and detaches from the board.
func (dev *Device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	var err error
	if dev.sess.State != Idle {
		err = multierr.Append(err, dev.cancel())
	}
	err = multierr.Append(err, dev.release())
	if err != nil {
		return fmt.Errorf("hpdi: could not close device: %w", err)
	}
	return nil
}

func (dev *Device) release() error {
	var err error
	if dev.ring != nil {
		err = multierr.Append(err, dev.ring.Close())
		dev.ring = nil
	}
	if b, ok := dev.dma.(attacher); ok {
		err = multierr.Append(err, b.Detach())
	}
	for i := len(dev.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, dev.closers[i].Close())
	}
	dev.closers = nil
	return err
}

// Sink returns the sink receiving the drained samples.
func (dev *Device) Sink() Sink {
	return dev.sink
}

// Errors returns the channel on which errors detected while draining the
// DMA ring are delivered.
func (dev *Device) Errors() <-chan error {
	return dev.errc
}

// Session returns a snapshot of the current acquisition.
func (dev *Device) Session() Session {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.sess
}

// Command returns the command of the current acquisition.
func (dev *Device) Command() Command {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.cmd
}

// Info returns the board firmware description.
func (dev *Device) Info() (BoardInfo, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.brd.Info()
}

// Test validates a command against the current board configuration,
// without arming the device.
func (dev *Device) Test(cmd Command) (Command, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.test(cmd)
}

func (dev *Device) test(cmd Command) (Command, error) {
	if dev.dir == Output {
		return cmd, invalid(0, FieldDirection, "board configured for output")
	}
	return Validate(cmd)
}

func (dev *Device) busy() bool {
	switch dev.sess.State {
	case Armed, Running, Stopping:
		return true
	}
	return false
}

// ConfigDirection selects the direction of the data path.
// Streaming acquisitions require the Input direction.
func (dev *Device) ConfigDirection(dir Direction) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.busy() {
		return ErrBusy
	}
	err := dev.brd.SetDirection(dir)
	if err != nil {
		return err
	}
	dev.dir = dir
	return nil
}

// ConfigBlockSize sets the size in bytes of the DMA transfers of the next
// acquisitions. The requested size is rounded down to a whole number of
// samples and clamped to the configured buffer size.
// ConfigBlockSize returns the size actually used.
func (dev *Device) ConfigBlockSize(n int) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.busy() {
		return dev.block, ErrBusy
	}
	n -= n % SampleSize
	switch {
	case n < SampleSize:
		n = SampleSize
	case n > dev.cfg.BufferSize:
		n = dev.cfg.BufferSize
	}
	dev.block = n
	return n, nil
}

// Arm validates a command and prepares a new acquisition.
// The previous session, if it ended in error, is discarded.
func (dev *Device) Arm(cmd Command) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.busy() {
		return ErrAlreadyArmed
	}

	cmd, err := dev.test(cmd)
	if err != nil {
		return err
	}

	if dev.ring == nil || dev.ring.BufferSize() != dev.block {
		err = dev.resize()
		if err != nil {
			return err
		}
	}
	dev.ring.Reset()
	dev.flush()

	dev.cmd = cmd
	dev.cursor = 0
	dev.base = 0
	dev.sess = Session{
		State: Armed,
		Stop:  cmd.StopSrc,
	}
	if cmd.StopSrc == TrigCount {
		dev.sess.Target = uint64(cmd.StopArg)
		dev.sess.Remaining = uint64(cmd.StopArg)
	}
	dev.done = make(chan struct{})
	return nil
}

// Start starts an armed acquisition: the DMA engine walks the ring and
// the board feeds it from its receive FIFO.
func (dev *Device) Start() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.sess.State != Armed {
		return ErrNotArmed
	}

	err := dev.start()
	if err != nil {
		if e := dev.halt(); e != nil {
			dev.msg.Printf("could not disable acquisition: %+v", e)
		}
		dev.sess.Err = err
		dev.notify()
		return fmt.Errorf("hpdi: could not start acquisition: %w", err)
	}
	dev.sess.State = Running
	return nil
}

func (dev *Device) start() error {
	err := dev.brd.ResetRxFIFO()
	if err != nil {
		return err
	}

	err = dev.dma.Abort()
	if err != nil {
		return err
	}

	if bc, ok := dev.dma.(BlockCounter); ok {
		dev.base, err = bc.CompletedBlocks()
		if err != nil {
			return err
		}
	}

	err = dev.dma.Program(dev.ring.Head())
	if err != nil {
		return err
	}

	err = dev.dma.Enable()
	if err != nil {
		return err
	}

	return dev.brd.EnableRx()
}

// Cancel stops the current acquisition, discarding the samples not yet
// drained. Cancel is a no-op when the device is idle.
func (dev *Device) Cancel() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.sess.State == Idle {
		return nil
	}
	return dev.cancel()
}

func (dev *Device) cancel() error {
	err := dev.halt()
	dev.cursor = 0
	dev.sess = Session{Err: ErrCanceled}
	dev.notify()
	if err != nil {
		return fmt.Errorf("hpdi: could not cancel acquisition: %w", err)
	}
	return nil
}

// Wait waits for the current acquisition to end.
//
// A session that collected all its samples is retired to Idle and Wait
// returns nil. A session that failed stays in the Error state and its error
// is returned. Waiting on an idle device returns the reason why the last
// session ended, or ErrNotArmed.
func (dev *Device) Wait(ctx context.Context) error {
	dev.mu.Lock()
	done := dev.done
	dev.mu.Unlock()

	if done != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	switch dev.sess.State {
	case Stopping:
		err := dev.halt()
		if err != nil {
			return fmt.Errorf("hpdi: could not stop acquisition: %w", err)
		}
		return nil
	case Error:
		return dev.sess.Err
	case Idle:
		if dev.sess.Err != nil {
			return dev.sess.Err
		}
		return ErrNotArmed
	default:
		// a new session was armed in the meantime.
		return ErrBusy
	}
}

// Interrupt handles a DMA interrupt: it acknowledges it and drains the
// buffers completed by the DMA engine since the previous interrupt.
//
// Interrupt never sleeps. Errors detected while draining end the
// acquisition and are also delivered on the Errors channel.
func (dev *Device) Interrupt() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	st, err := dev.dma.ClearInterrupt()
	if err != nil {
		err = fmt.Errorf("hpdi: could not acknowledge interrupt: %w", err)
		dev.fail(err)
		return err
	}

	if dev.sess.State != Running {
		return nil
	}

	status, err := dev.brd.Status()
	if err != nil {
		err = fmt.Errorf("hpdi: could not read board status: %w", err)
		dev.fail(err)
		return err
	}
	if status&StatusRxOverrun != 0 {
		dev.fail(ErrFIFOOverrun)
		return ErrFIFOOverrun
	}

	if !st.Active || !st.Enabled {
		return nil
	}

	err = dev.drain()
	if err != nil {
		dev.fail(err)
		return err
	}
	return nil
}

// Serve delivers the interrupts of src to the device until ctx is done.
func (dev *Device) Serve(ctx context.Context, src IRQSource) error {
	for {
		err := src.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hpdi: could not wait for interrupt: %w", err)
		}

		err = dev.Interrupt()
		if err != nil {
			dev.msg.Printf("could not handle interrupt: %+v", err)
		}
	}
}

// fail ends a running acquisition on error.
func (dev *Device) fail(err error) {
	if dev.sess.State != Running {
		return
	}
	dev.sess.State = Error
	dev.sess.Err = err
	if e := dev.disable(); e != nil {
		dev.msg.Printf("could not disable acquisition: %+v", e)
	}
	dev.signal(err)
	dev.notify()
}

// signal delivers err on the errors channel, dropping it if nobody listens.
func (dev *Device) signal(err error) {
	select {
	case dev.errc <- err:
	default:
	}
}

// notify wakes up the waiters of the current session.
func (dev *Device) notify() {
	if dev.done == nil {
		return
	}
	close(dev.done)
	dev.done = nil
}

// disable stops the data path without waiting for the DMA engine.
func (dev *Device) disable() error {
	return multierr.Append(dev.brd.Disable(), dev.dma.Disable())
}

// halt stops the data path and waits for the DMA engine to be idle.
func (dev *Device) halt() error {
	err := multierr.Append(dev.brd.Disable(), dev.dma.Abort())
	if dev.sess.State != Error {
		dev.sess.State = Idle
	}
	return err
}

// flush discards the errors of previous sessions nobody consumed.
func (dev *Device) flush() {
	for {
		select {
		case <-dev.errc:
		default:
			return
		}
	}
}

// resize reallocates the ring with the configured block size.
func (dev *Device) resize() error {
	if dev.ring != nil {
		err := dev.ring.Close()
		dev.ring = nil
		if err != nil {
			return fmt.Errorf("hpdi: could not release DMA ring: %w", err)
		}
	}
	ring, err := dma.NewRing(dev.alloc, dev.cfg.Depth, dev.block, FIFORegister)
	if err != nil {
		return fmt.Errorf("hpdi: could not resize DMA ring: %w", err)
	}
	dev.ring = ring
	return nil
}
