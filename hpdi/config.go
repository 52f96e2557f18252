// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"fmt"
	"time"

	"github.com/go-lpc/gsc/internal/retry"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config describes how to reach a board and how to size its DMA ring.
type Config struct {
	PLX     string `koanf:"plx"`     // bridge registers (PCI BAR0) resource file
	Regs    string `koanf:"regs"`    // board registers (PCI BAR2) resource file
	Udmabuf string `koanf:"udmabuf"` // u-dma-buf device holding the DMA ring
	UIO     string `koanf:"uio"`     // UIO device delivering the board interrupts

	Depth      int `koanf:"depth"`       // number of buffers in the DMA ring
	BufferSize int `koanf:"buffer-size"` // size in bytes of a DMA buffer
	SinkSize   int `koanf:"sink-size"`   // maximum number of bytes buffered for readers

	PollInterval time.Duration `koanf:"poll-interval"`
	PollMax      int           `koanf:"poll-max"`
	AbortPollMax int           `koanf:"abort-poll-max"` // polls allowed for a DMA abort to complete
}

// DefaultConfig returns the configuration of the first board of a host.
func DefaultConfig() Config {
	return Config{
		PLX:          "/sys/bus/pci/devices/0000:03:00.0/resource0",
		Regs:         "/sys/bus/pci/devices/0000:03:00.0/resource2",
		Udmabuf:      "udmabuf0",
		UIO:          "/dev/uio0",
		Depth:        64,
		BufferSize:   4096,
		SinkSize:     64 << 20,
		PollInterval: retry.Default.Interval,
		PollMax:      retry.Default.Max,
		AbortPollMax: 10000,
	}
}

// LoadConfig reads a YAML configuration file.
// Values missing from the file are taken from DefaultConfig.
func LoadConfig(fname string) (Config, error) {
	k := koanf.New(".")
	err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err != nil {
		return Config{}, fmt.Errorf("hpdi: could not load default configuration: %w", err)
	}

	err = k.Load(file.Provider(fname), yaml.Parser())
	if err != nil {
		return Config{}, fmt.Errorf("hpdi: could not load configuration file %q: %w", fname, err)
	}

	var cfg Config
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("hpdi: could not decode configuration file %q: %w", fname, err)
	}

	err = cfg.validate()
	if err != nil {
		return Config{}, fmt.Errorf("hpdi: invalid configuration file %q: %w", fname, err)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch {
	case cfg.Depth <= 0 || cfg.Depth&(cfg.Depth-1) != 0:
		return fmt.Errorf("ring depth %d is not a power of two", cfg.Depth)
	case cfg.BufferSize < SampleSize || cfg.BufferSize%SampleSize != 0:
		return fmt.Errorf("buffer size %d is not a multiple of %d", cfg.BufferSize, SampleSize)
	case cfg.SinkSize < 0:
		return fmt.Errorf("invalid sink size %d", cfg.SinkSize)
	}
	return nil
}

func (cfg Config) poll() retry.Policy {
	return retry.Policy{Interval: cfg.PollInterval, Max: cfg.PollMax}
}

func (cfg Config) abortPoll() retry.Policy {
	return retry.Policy{Interval: cfg.PollInterval, Max: cfg.AbortPollMax}
}
