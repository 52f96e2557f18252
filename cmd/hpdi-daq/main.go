// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hpdi-daq starts a TDAQ node streaming the samples of a
// PCI-HPDI32 board on its /samples output.
//
// The /config command carries the path to a YAML configuration file
// (empty for the default configuration) and the number of samples of
// each run (zero to acquire until /stop).
package main // import "github.com/go-lpc/gsc/cmd/hpdi-daq"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/gsc/hpdi"
	"github.com/go-lpc/gsc/internal/uio"
	"github.com/go-lpc/gsc/stream"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := flags.New()

	dev := newNode()

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.samples)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// chunkSize is the maximum size of a /samples frame.
const chunkSize = 64 << 10

type node struct {
	cfg  hpdi.Config
	nevt uint32

	dev  *hpdi.Device
	irq  *uio.Device
	sink *stream.Buffer

	data chan []byte
}

func newNode() *node {
	return &node{
		cfg:  hpdi.DefaultConfig(),
		data: make(chan []byte, 64),
	}
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	fname := dec.ReadStr()
	nevt := dec.ReadU32()
	if err := dec.Err(); err != nil {
		ctx.Msg.Errorf("could not decode /config payload: %+v", err)
		return fmt.Errorf("could not decode /config payload: %w", err)
	}

	cfg := hpdi.DefaultConfig()
	if fname != "" {
		var err error
		cfg, err = hpdi.LoadConfig(fname)
		if err != nil {
			ctx.Msg.Errorf("could not load configuration: %+v", err)
			return fmt.Errorf("could not load configuration: %w", err)
		}
	}
	dev.cfg = cfg
	dev.nevt = nevt
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.close()
	if err != nil {
		ctx.Msg.Errorf("could not release previous board: %+v", err)
	}

	dev.sink = stream.New(dev.cfg.SinkSize)
	dev.dev, err = hpdi.Open(dev.cfg, hpdi.WithSink(dev.sink))
	if err != nil {
		ctx.Msg.Errorf("could not open board: %+v", err)
		return fmt.Errorf("could not open board: %w", err)
	}

	dev.irq, err = uio.Open(dev.cfg.UIO)
	if err != nil {
		ctx.Msg.Errorf("could not open interrupt source: %+v", err)
		return fmt.Errorf("could not open interrupt source: %w", err)
	}

	info, err := dev.dev.Info()
	if err != nil {
		return fmt.Errorf("could not read board info: %w", err)
	}
	ctx.Msg.Infof("board: firmware=%d pcb=%d sub-id=0x%x", info.Firmware, info.PCB, info.SubID)
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if dev.dev == nil {
		return nil
	}
	err := dev.dev.Cancel()
	if err != nil {
		return fmt.Errorf("could not reset board: %w", err)
	}
	return nil
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.dev == nil {
		return fmt.Errorf("board not initialized")
	}

	dev.sink.Reset()
	err := dev.dev.Arm(hpdi.NewCommand(dev.nevt))
	if err != nil {
		ctx.Msg.Errorf("could not arm board: %+v", err)
		return fmt.Errorf("could not arm board: %w", err)
	}

	err = dev.dev.Start()
	if err != nil {
		ctx.Msg.Errorf("could not start board: %+v", err)
		return fmt.Errorf("could not start board: %w", err)
	}
	return nil
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	if dev.dev == nil {
		return nil
	}
	sess := dev.dev.Session()
	ctx.Msg.Debugf("received /stop command... -> samples=%d", sess.Samples)
	return dev.dev.Cancel()
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

func (dev *node) close() error {
	var err error
	if dev.irq != nil {
		err = dev.irq.Close()
		dev.irq = nil
	}
	if dev.dev != nil {
		if e := dev.dev.Close(); e != nil && err == nil {
			err = e
		}
		dev.dev = nil
	}
	return err
}

func (dev *node) samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	if dev.dev == nil {
		return fmt.Errorf("board not initialized")
	}

	grp, gctx := errgroup.WithContext(ctx.Ctx)
	grp.Go(func() error {
		return dev.dev.Serve(gctx, dev.irq)
	})
	grp.Go(func() error {
		<-gctx.Done()
		return dev.sink.Close()
	})
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-dev.dev.Errors():
				ctx.Msg.Errorf("acquisition failed: %+v", err)
			}
		}
	})
	grp.Go(func() error {
		for {
			buf := make([]byte, chunkSize)
			n, err := dev.sink.Read(buf)
			if n > 0 {
				select {
				case dev.data <- buf[:n]:
				case <-gctx.Done():
					return nil
				}
			}
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case err != nil:
				return fmt.Errorf("could not read samples: %w", err)
			}
		}
	})

	return grp.Wait()
}
