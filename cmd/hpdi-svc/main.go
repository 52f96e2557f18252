// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hpdi-svc serves the control of a PCI-HPDI32 board over TCP.
package main // import "github.com/go-lpc/gsc/cmd/hpdi-svc"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-lpc/gsc"
	"github.com/go-lpc/gsc/dma"
	"github.com/go-lpc/gsc/hpdi"
	"github.com/go-lpc/gsc/internal/alert"
	"github.com/go-lpc/gsc/internal/fakeplx"
	"github.com/sbinet/pmon"
)

func main() {
	var (
		addr = flag.String("addr", ":9999", "hpdi-ctl [addr]:port")
		odir = flag.String("o", "/home/root/run", "output dir")
		fcfg = flag.String("cfg", "", "path to a YAML configuration file")

		sim   = flag.Duration("sim", 0, "simulate a board producing one buffer per period")
		doMon = flag.Bool("pmon", false, "enable pmon monitoring")
		freq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
		vers  = flag.Bool("version", false, "print version and exit")
	)

	log.SetPrefix("hpdi-svc: ")
	log.SetFlags(0)

	flag.Parse()

	if *vers {
		v, sum := gsc.Version()
		fmt.Printf("hpdi-svc %s %s\n", v, sum)
		return
	}

	cfg := hpdi.DefaultConfig()
	if *fcfg != "" {
		var err error
		cfg, err = hpdi.LoadConfig(*fcfg)
		if err != nil {
			log.Fatalf("could not load configuration: %+v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *doMon {
		stop, err := monitor(*odir, *freq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		defer stop()
	}

	err := serve(ctx, *addr, *odir, cfg, *sim)
	if err != nil {
		log.Fatalf("could not run hpdi service: %+v", err)
	}
}

func serve(ctx context.Context, addr, odir string, cfg hpdi.Config, period time.Duration) error {
	opts := []hpdi.ServerOption{
		hpdi.WithAlerter(alert.FromEnv()),
	}

	if period > 0 {
		mem := dma.NewHeap(2*cfg.Depth*cfg.BufferSize, 0x1000_0000)
		sim := fakeplx.New(mem)
		opts = append(opts,
			hpdi.WithDeviceOptions(
				hpdi.WithBridge(sim.Bridge()),
				hpdi.WithBoard(hpdi.NewBoard(sim.BAR2())),
				hpdi.WithAllocator(mem),
			),
			hpdi.WithIRQ(func(hpdi.Config) (hpdi.IRQSource, error) {
				return sim, nil
			}),
		)
		go func() {
			err := sim.Run(ctx, period, 1)
			if err != nil {
				log.Printf("simulation failed: %+v", err)
			}
		}()
		log.Printf("simulating board (period=%v)", period)
	}

	srv, err := hpdi.NewServer(addr, odir, cfg, opts...)
	if err != nil {
		return fmt.Errorf("could not create server: %w", err)
	}
	log.Printf("serving on %v...", srv.Addr())
	return srv.Serve(ctx)
}

func monitor(dir string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not monitor process: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "hpdi-svc-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		log.Printf("run pmon...")
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
