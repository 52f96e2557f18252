// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hpdi-ctl is an interactive shell controlling a hpdi-svc server.
//
// Example:
//
//	hpdi> config block-size=1024
//	hpdi> arm 100000
//	hpdi> start 42
//	hpdi> wait 10s
//	hpdi> status
package main // import "github.com/go-lpc/gsc/cmd/hpdi-ctl"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/gsc/hpdi"
	"github.com/peterh/liner"
)

func main() {
	var (
		addr = flag.String("addr", ":9999", "hpdi-svc [addr]:port to dial")
	)

	log.SetPrefix("hpdi-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("could not dial hpdi-svc %q: %+v", *addr, err)
	}
	defer conn.Close()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	err = shell(term, conn, os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type prompter interface {
	Prompt(p string) (string, error)
	AppendHistory(item string)
}

func shell(term prompter, conn io.ReadWriter, w io.Writer) error {
	var (
		enc = json.NewEncoder(conn)
		dec = json.NewDecoder(conn)
	)
	for {
		line, err := term.Prompt("hpdi> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		req, err := parse(line)
		if err != nil {
			fmt.Fprintf(w, "error: %+v\n", err)
			continue
		}

		err = enc.Encode(req)
		if err != nil {
			return fmt.Errorf("could not send %q request: %w", req.Name, err)
		}

		var rep struct {
			Msg  string          `json:"msg"`
			Data json.RawMessage `json:"data"`
		}
		err = dec.Decode(&rep)
		if err != nil {
			return fmt.Errorf("could not decode %q reply: %w", req.Name, err)
		}
		fmt.Fprintf(w, "%s\n", rep.Msg)
		if len(rep.Data) != 0 {
			fmt.Fprintf(w, "%s\n", rep.Data)
		}

		if req.Name == "quit" {
			return nil
		}
	}
}

type request struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// parse converts a shell command into a server request.
func parse(line string) (request, error) {
	toks := strings.Fields(line)
	req := request{Name: strings.ToLower(toks[0])}
	args := toks[1:]

	switch req.Name {
	case "config":
		cfg := make(map[string]interface{})
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return req, fmt.Errorf("invalid config argument %q (want key=value)", arg)
			}
			switch k {
			case "direction":
				cfg[k] = v
			case "block-size":
				n, err := strconv.Atoi(v)
				if err != nil {
					return req, fmt.Errorf("invalid block size %q: %w", v, err)
				}
				cfg[k] = n
			default:
				return req, fmt.Errorf("unknown config key %q", k)
			}
		}
		req.Args = cfg

	case "arm":
		var n uint64
		if len(args) > 0 {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return req, fmt.Errorf("invalid number of samples %q: %w", args[0], err)
			}
			n = v
		}
		req.Args = hpdi.NewCommand(uint32(n))

	case "start":
		if len(args) != 1 {
			return req, fmt.Errorf("missing run number")
		}
		run, err := strconv.Atoi(args[0])
		if err != nil {
			return req, fmt.Errorf("invalid run number %q: %w", args[0], err)
		}
		req.Args = map[string]int{"run": run}

	case "wait":
		if len(args) > 0 {
			req.Args = map[string]string{"timeout": args[0]}
		}

	case "cancel", "status", "info", "quit":
		if len(args) != 0 {
			return req, fmt.Errorf("%s takes no argument", req.Name)
		}

	case "help":
		return req, fmt.Errorf("commands: config [direction=input|output] [block-size=N], arm [N], start RUN, wait [TIMEOUT], cancel, status, info, quit")

	default:
		return req, fmt.Errorf("unknown command %q", req.Name)
	}

	return req, nil
}
