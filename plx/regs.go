// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plx

// Local configuration registers of the PCI 9080, relative to BAR0.
const (
	RegIntCSR  = 0x68 // interrupt control/status
	RegDBROut  = 0x64 // local-to-PCI doorbell
	RegDMAMode = 0x80 // DMA channel 0 mode (channel 1: +0x14)
	RegDMAPADR = 0x84 // DMA channel 0 PCI address
	RegDMALADR = 0x88 // DMA channel 0 local address
	RegDMASIZ  = 0x8c // DMA channel 0 transfer size
	RegDMADPR  = 0x90 // DMA channel 0 descriptor pointer
	RegDMACSR  = 0xa8 // DMA channel 0 command/status byte (channel 1: +1)
)

// Interrupt control/status bits.
const (
	IntCSRPCIEnable   = 1 << 8
	IntCSRLocalInEn   = 1 << 11
	IntCSRLocalActive = 1 << 15
	IntCSRDoorbellAct = 1 << 20
	IntCSRDMA0Enable  = 1 << 18
	IntCSRDMA1Enable  = 1 << 19
	IntCSRDMA0Active  = 1 << 21
	IntCSRDMA1Active  = 1 << 22
)

// DMA mode bits.
const (
	ModeBus32      = 0x3
	ModeReadyIn    = 1 << 6
	ModeLocalBurst = 1 << 8
	ModeChain      = 1 << 9
	ModeDoneIntr   = 1 << 10
	ModeLocalConst = 1 << 11
	ModeDemand     = 1 << 12
	ModeIntrPCI    = 1 << 17
)

// DMA command/status bits.
const (
	CSREnable    = 1 << 0
	CSRStart     = 1 << 1
	CSRAbort     = 1 << 2
	CSRClearIntr = 1 << 3
	CSRDone      = 1 << 4
)

// Descriptor pointer bits, shared with the next-descriptor word of
// descriptors.
const (
	DescInPCI         = 0x1
	DescEndOfChain    = 0x2
	DescIntrTermCount = 0x4
	DescLocalToPCI    = 0x8
)

// dmaMode is the channel 0 mode used to stream a local FIFO into a
// host descriptor ring.
const dmaMode = ModeReadyIn | ModeChain | ModeDoneIntr | ModeLocalConst |
	ModeIntrPCI | ModeDemand | ModeLocalBurst | ModeBus32

// intrMask is the set of interrupt sources enabled at attach time.
const intrMask = IntCSRPCIEnable | IntCSRLocalInEn | IntCSRDMA0Enable
