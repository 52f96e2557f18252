// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/go-lpc/gsc/hpdi"
	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		line string
		want request
		err  bool
	}{
		{line: "status", want: request{Name: "status"}},
		{line: "INFO", want: request{Name: "info"}},
		{line: "arm", want: request{Name: "arm", Args: hpdi.NewCommand(0)}},
		{line: "arm 1000", want: request{Name: "arm", Args: hpdi.NewCommand(1000)}},
		{line: "arm -1", err: true},
		{line: "start 42", want: request{Name: "start", Args: map[string]int{"run": 42}}},
		{line: "start", err: true},
		{line: "wait", want: request{Name: "wait"}},
		{line: "wait 5s", want: request{Name: "wait", Args: map[string]string{"timeout": "5s"}}},
		{
			line: "config direction=input block-size=1024",
			want: request{Name: "config", Args: map[string]interface{}{"direction": "input", "block-size": 1024}},
		},
		{line: "config block-size", err: true},
		{line: "config speed=42", err: true},
		{line: "cancel now", err: true},
		{line: "bogus", err: true},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got, err := parse(tc.line)
			if tc.err {
				if err == nil {
					t.Fatalf("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("could not parse %q: %+v", tc.line, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("invalid request (-want +got):\n%s", diff)
			}
		})
	}
}

type script struct {
	lines []string
	hist  []string
}

func (s *script) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *script) AppendHistory(item string) {
	s.hist = append(s.hist, item)
}

func TestShell(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	go func() {
		dec := json.NewDecoder(srv)
		enc := json.NewEncoder(srv)
		for {
			var req struct {
				Name string `json:"name"`
			}
			if err := dec.Decode(&req); err != nil {
				return
			}
			rep := map[string]interface{}{"msg": "ok"}
			if req.Name == "status" {
				rep["data"] = map[string]string{"state": "idle"}
			}
			_ = enc.Encode(rep)
		}
	}()

	var (
		out  = new(bytes.Buffer)
		term = &script{lines: []string{"status", "", "bogus", "quit", "info"}}
	)
	err := shell(term, cli, out)
	if err != nil {
		t.Fatalf("could not run shell: %+v", err)
	}

	want := strings.Join([]string{
		"ok",
		`{"state":"idle"}`,
		`error: unknown command "bogus"`,
		"ok",
		"",
	}, "\n")
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("invalid output (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"status", "bogus", "quit"}, term.hist); diff != "" {
		t.Fatalf("invalid history (-want +got):\n%s", diff)
	}
}
