// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"fmt"
	"strings"
)

// Trig is a set of trigger sources.
type Trig uint32

const (
	TrigNone   Trig = 0x001 // never
	TrigNow    Trig = 0x002 // immediately
	TrigFollow Trig = 0x004 // following the previous event
	TrigTime   Trig = 0x008 // at an absolute time
	TrigTimer  Trig = 0x010 // periodically
	TrigCount  Trig = 0x020 // after a number of events
	TrigExt    Trig = 0x040 // on an external signal
	TrigInt    Trig = 0x080 // on an internal signal
	TrigOther  Trig = 0x100 // driver specific
)

var trigNames = []struct {
	trig Trig
	name string
}{
	{TrigNone, "none"},
	{TrigNow, "now"},
	{TrigFollow, "follow"},
	{TrigTime, "time"},
	{TrigTimer, "timer"},
	{TrigCount, "count"},
	{TrigExt, "ext"},
	{TrigInt, "int"},
	{TrigOther, "other"},
}

func (trig Trig) String() string {
	if trig == 0 {
		return "0"
	}
	var names []string
	for _, v := range trigNames {
		if trig&v.trig != 0 {
			names = append(names, v.name)
			trig &^= v.trig
		}
	}
	if trig != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(trig)))
	}
	return strings.Join(names, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (trig Trig) MarshalText() ([]byte, error) {
	return []byte(trig.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Sources are given by name and joined with '|', e.g. "count|none".
func (trig *Trig) UnmarshalText(p []byte) error {
	var v Trig
	for _, name := range strings.Split(string(p), "|") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "0" {
			continue
		}
		found := false
		for _, tn := range trigNames {
			if tn.name == name {
				v |= tn.trig
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("hpdi: unknown trigger source %q", name)
		}
	}
	*trig = v
	return nil
}

// Command describes a streaming acquisition.
//
// Streaming digital input supports a single configuration: start now,
// one scan per external clock edge, all channels converted at once,
// stop after StopArg samples (TrigCount) or never (TrigNone).
type Command struct {
	StartSrc     Trig   `json:"start_src"`
	StartArg     uint32 `json:"start_arg"`
	ScanBeginSrc Trig   `json:"scan_begin_src"`
	ScanBeginArg uint32 `json:"scan_begin_arg"`
	ConvertSrc   Trig   `json:"convert_src"`
	ConvertArg   uint32 `json:"convert_arg"`
	ScanEndSrc   Trig   `json:"scan_end_src"`
	ScanEndArg   uint32 `json:"scan_end_arg"`
	StopSrc      Trig   `json:"stop_src"`
	StopArg      uint32 `json:"stop_arg"`

	ChanList    []uint32 `json:"chanlist,omitempty"` // channel specifiers, channel in the low 16 bits
	ChanListLen int      `json:"chanlist_len"`
}

// NewCommand returns a valid command acquiring n samples,
// or acquiring until cancelled when n is zero.
func NewCommand(n uint32) Command {
	cmd := Command{
		StartSrc:     TrigNow,
		ScanBeginSrc: TrigExt,
		ConvertSrc:   TrigNow,
		ScanEndSrc:   TrigCount,
		ScanEndArg:   NumChannels,
		StopSrc:      TrigCount,
		StopArg:      n,
		ChanListLen:  NumChannels,
	}
	if n == 0 {
		cmd.StopSrc = TrigNone
	}
	return cmd
}

// Field identifies a Command field.
type Field string

const (
	FieldStartSrc     Field = "start_src"
	FieldScanBeginSrc Field = "scan_begin_src"
	FieldConvertSrc   Field = "convert_src"
	FieldScanEndSrc   Field = "scan_end_src"
	FieldStopSrc      Field = "stop_src"
	FieldChanListLen  Field = "chanlist_len"
	FieldScanEndArg   Field = "scan_end_arg"
	FieldStopArg      Field = "stop_arg"
	FieldChanList     Field = "chanlist"
	FieldDirection    Field = "direction"
)

// CommandError describes the first invalid field of a command.
//
// When Fixed is true, the command returned alongside the error holds a
// legal value for Field and may be resubmitted.
type CommandError struct {
	Pass   int    // validation pass that rejected the command
	Field  Field  // offending field
	Reason string // human readable description
	Fixed  bool   // whether the field was corrected
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("hpdi: invalid command (pass %d): %s: %s", e.Pass, e.Field, e.Reason)
	if e.Fixed {
		msg += " (fixed)"
	}
	return msg
}

// Is makes CommandError match ErrInvalidCommand.
func (e *CommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}

func fixed(pass int, field Field, format string, args ...interface{}) *CommandError {
	return &CommandError{Pass: pass, Field: field, Reason: fmt.Sprintf(format, args...), Fixed: true}
}

func invalid(pass int, field Field, format string, args ...interface{}) *CommandError {
	return &CommandError{Pass: pass, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func chanOf(spec uint32) uint32 { return spec & 0xffff }

// Validate checks a command for consistency.
//
// Validate returns the command unchanged when it is valid. Otherwise it
// returns a *CommandError naming the first offending field, together with
// the command where that field was corrected when a legal value exists.
// Validating the corrected command again eventually yields either a valid
// command or a non-fixable error.
func Validate(cmd Command) (Command, error) {
	// pass 1: trigger sources are supported.
	for _, src := range []struct {
		field Field
		v     *Trig
		mask  Trig
	}{
		{FieldStartSrc, &cmd.StartSrc, TrigNow},
		{FieldScanBeginSrc, &cmd.ScanBeginSrc, TrigExt},
		{FieldConvertSrc, &cmd.ConvertSrc, TrigNow},
		{FieldScanEndSrc, &cmd.ScanEndSrc, TrigCount},
		{FieldStopSrc, &cmd.StopSrc, TrigCount | TrigNone},
	} {
		old := *src.v
		v := old & src.mask
		switch {
		case v != 0 && v == old:
			continue
		case v != 0:
			*src.v = v
			return cmd, fixed(1, src.field, "unsupported source %v, using %v", old, v)
		case src.mask&(src.mask-1) == 0:
			*src.v = src.mask
			return cmd, fixed(1, src.field, "unsupported source %v, using %v", old, src.mask)
		default:
			return cmd, invalid(1, src.field, "unsupported source %v (want one of %v)", old, src.mask)
		}
	}

	// pass 2: trigger sources are unique.
	if cmd.StopSrc != TrigCount && cmd.StopSrc != TrigNone {
		return cmd, invalid(2, FieldStopSrc, "ambiguous source %v (want exactly one of %v)", cmd.StopSrc, TrigCount|TrigNone)
	}

	// pass 3: arguments are consistent.
	switch n := len(cmd.ChanList); {
	case cmd.ChanListLen == 0 && n == 0:
		cmd.ChanListLen = NumChannels
		return cmd, fixed(3, FieldChanListLen, "empty channel list, using %d channels", NumChannels)
	case n > NumChannels:
		return cmd, invalid(3, FieldChanListLen, "channel list too long (%d > %d)", n, NumChannels)
	case n > 0 && cmd.ChanListLen != n:
		cmd.ChanListLen = n
		return cmd, fixed(3, FieldChanListLen, "length does not match channel list, using %d", n)
	case cmd.ChanListLen < 0 || cmd.ChanListLen > NumChannels:
		cmd.ChanListLen = NumChannels
		return cmd, fixed(3, FieldChanListLen, "invalid length, using %d", NumChannels)
	}

	if int(cmd.ScanEndArg) != cmd.ChanListLen {
		old := cmd.ScanEndArg
		cmd.ScanEndArg = uint32(cmd.ChanListLen)
		return cmd, fixed(3, FieldScanEndArg, "scan end count %d differs from channel list length, using %d", old, cmd.ScanEndArg)
	}

	switch cmd.StopSrc {
	case TrigCount:
		if cmd.StopArg == 0 {
			cmd.StopArg = 1
			return cmd, fixed(3, FieldStopArg, "zero sample count, using 1")
		}
	case TrigNone:
		if cmd.StopArg != 0 {
			old := cmd.StopArg
			cmd.StopArg = 0
			return cmd, fixed(3, FieldStopArg, "sample count %d given without count stop, using 0", old)
		}
	}

	// pass 4: nothing to adjust against the hardware.

	// pass 5: channels appear in order, starting at 0.
	for i, spec := range cmd.ChanList {
		if ch := chanOf(spec); ch != uint32(i) {
			return cmd, invalid(5, FieldChanList, "channel %d at position %d, channels must be 0 to %d in order", ch, i, NumChannels-1)
		}
	}

	return cmd, nil
}
