// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hpdi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/gsc/internal/uio"
	"github.com/go-lpc/gsc/stream"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Alerter notifies operators about acquisition faults.
type Alerter interface {
	Send(topic, body string) error
}

// Server controls a board from a remote client.
//
// Clients send JSON requests {"name": ..., "args": ...} over a TCP
// connection and receive a JSON reply {"msg": ..., "data": ...} for each
// of them. The board is opened when a client connects and closed when it
// disconnects. Acquired samples are recorded into <odir>/hpdi_<run>.raw.
type Server struct {
	ctl net.Listener

	msg  *log.Logger
	odir string
	cfg  Config

	opts  []Option
	alert Alerter

	newDevice func(cfg Config, opts ...Option) (*Device, error)
	newIRQ    func(cfg Config) (IRQSource, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDeviceOptions sets the options used to open the board.
func WithDeviceOptions(opts ...Option) ServerOption {
	return func(srv *Server) {
		srv.opts = append(srv.opts, opts...)
	}
}

// WithAlerter sets the notifier of acquisition faults.
func WithAlerter(a Alerter) ServerOption {
	return func(srv *Server) {
		srv.alert = a
	}
}

// WithIRQ sets the function creating the interrupt source of a board,
// instead of opening the configured UIO device.
func WithIRQ(f func(cfg Config) (IRQSource, error)) ServerOption {
	return func(srv *Server) {
		srv.newIRQ = f
	}
}

// WithServerLogger sets the logger of the server and of the devices it opens.
func WithServerLogger(msg *log.Logger) ServerOption {
	return func(srv *Server) {
		srv.msg = msg
	}
}

// Serve listens on addr and serves clients until an error occurs.
func Serve(addr, odir string, cfg Config, opts ...ServerOption) error {
	srv, err := NewServer(addr, odir, cfg, opts...)
	if err != nil {
		return fmt.Errorf("could not create hpdi server: %w", err)
	}
	return srv.Serve(context.Background())
}

// NewServer creates a server listening on addr.
func NewServer(addr, odir string, cfg Config, opts ...ServerOption) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not create hpdi-ctl server on %q: %w", addr, err)
	}

	srv := &Server{
		ctl:  ctl,
		msg:  log.New(os.Stdout, "hpdi-svc: ", 0),
		odir: odir,
		cfg:  cfg,
		newDevice: func(cfg Config, opts ...Option) (*Device, error) {
			return Open(cfg, opts...)
		},
		newIRQ: func(cfg Config) (IRQSource, error) {
			irq, err := uio.Open(cfg.UIO)
			if err != nil {
				return nil, err
			}
			return irq, nil
		},
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr {
	return srv.ctl.Addr()
}

// Close stops listening for clients.
func (srv *Server) Close() error {
	return srv.ctl.Close()
}

// Serve serves clients, one at a time, until ctx is done.
func (srv *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = srv.ctl.Close()
	}()

	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}

		err = srv.handle(ctx, conn)
		if err != nil {
			srv.msg.Printf("could not run HPDI board: %+v", err)
			continue
		}
	}
}

func (srv *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	sink := stream.New(srv.cfg.SinkSize)
	opts := append([]Option{WithLogger(srv.msg)}, srv.opts...)
	opts = append(opts, WithSink(sink))

	dev, err := srv.newDevice(srv.cfg, opts...)
	if err != nil {
		srv.reply(conn, err, nil)
		return fmt.Errorf("could not create HPDI device: %w", err)
	}
	defer dev.Close()

	irq, err := srv.newIRQ(srv.cfg)
	if err != nil {
		srv.reply(conn, err, nil)
		return fmt.Errorf("could not open interrupt source: %w", err)
	}
	if c, ok := irq.(io.Closer); ok {
		defer c.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return dev.Serve(ctx, irq)
	})
	grp.Go(func() error {
		srv.watch(ctx, dev)
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	grp.Go(func() error {
		defer cancel()
		ses := &session{srv: srv, conn: conn, dev: dev, sink: sink}
		return ses.loop(ctx)
	})

	return grp.Wait()
}

// watch reports the faults detected while draining the DMA ring.
func (srv *Server) watch(ctx context.Context, dev *Device) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-dev.Errors():
			srv.msg.Printf("acquisition failed: %+v", err)
			if srv.alert == nil {
				continue
			}
			body := fmt.Sprintf("error: %+v\nsession: %+v\ntime: %v",
				err, dev.Session(), time.Now().UTC().Format(time.RFC3339),
			)
			if err := srv.alert.Send(topicOf(err), body); err != nil {
				srv.msg.Printf("could not send alert: %+v", err)
			}
		}
	}
}

func topicOf(err error) string {
	switch {
	case errors.Is(err, ErrOverrun):
		return "ring overrun"
	case errors.Is(err, ErrFIFOOverrun):
		return "fifo overrun"
	case errors.Is(err, ErrSinkOverflow):
		return "sink overflow"
	}
	return "acquisition fault"
}

func (srv *Server) reply(conn net.Conn, err error, data interface{}) {
	rep := struct {
		Msg  string      `json:"msg"`
		Data interface{} `json:"data,omitempty"`
	}{"ok", data}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}

	_ = json.NewEncoder(conn).Encode(rep)
}

// Status is the reply to a status request.
type Status struct {
	Session
	Err     string `json:"err,omitempty"`
	Run     int    `json:"run"`
	File    string `json:"file,omitempty"`
	Drained uint64 `json:"drained"` // bytes drained since the run started
}

// session is a client connection.
type session struct {
	srv  *Server
	conn net.Conn
	dev  *Device
	sink *stream.Buffer

	run int
	rec *recorder
}

func (ses *session) loop(ctx context.Context) error {
	defer ses.stop()

	dec := json.NewDecoder(ses.conn)
	for {
		var req struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}

		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			ses.srv.msg.Printf("could not decode command request: %+v", err)
			ses.srv.reply(ses.conn, err, nil)
			return fmt.Errorf("could not decode command request: %w", err)
		}
		ses.srv.msg.Printf("received request: name=%q", req.Name)

		quit, err := ses.dispatch(ctx, req.Name, req.Args)
		if err != nil {
			ses.srv.msg.Printf("could not process %q request: %+v", req.Name, err)
		}
		if quit {
			return nil
		}
	}
}

func (ses *session) dispatch(ctx context.Context, name string, args json.RawMessage) (bool, error) {
	var (
		err  error
		data interface{}
	)
	defer func() {
		ses.srv.reply(ses.conn, err, data)
	}()

	decode := func(v interface{}) error {
		if len(args) == 0 || string(args) == "null" {
			return nil
		}
		err := json.Unmarshal(args, v)
		if err != nil {
			return fmt.Errorf("could not decode %q payload: %w", name, err)
		}
		return nil
	}

	switch strings.ToLower(name) {
	case "config":
		var cfg struct {
			Direction *Direction `json:"direction"`
			BlockSize *int       `json:"block-size"`
		}
		err = decode(&cfg)
		if err != nil {
			return false, err
		}
		if cfg.Direction != nil {
			err = ses.dev.ConfigDirection(*cfg.Direction)
			if err != nil {
				return false, err
			}
		}
		block := 0
		if cfg.BlockSize != nil {
			block, err = ses.dev.ConfigBlockSize(*cfg.BlockSize)
			if err != nil {
				return false, err
			}
		}
		data = map[string]interface{}{
			"block-size": block,
		}

	case "arm":
		cmd := NewCommand(0)
		err = decode(&cmd)
		if err != nil {
			return false, err
		}
		err = ses.dev.Arm(cmd)
		var cerr *CommandError
		if errors.As(err, &cerr) && cerr.Fixed {
			data, _ = ses.dev.Test(cmd)
		}
		if err != nil {
			return false, err
		}
		data = ses.dev.Command()

	case "start":
		var req struct {
			Run int `json:"run"`
		}
		err = decode(&req)
		if err != nil {
			return false, err
		}
		err = ses.start(req.Run)
		if err != nil {
			return false, err
		}

	case "wait":
		var req struct {
			Timeout string `json:"timeout"`
		}
		err = decode(&req)
		if err != nil {
			return false, err
		}
		wctx := ctx
		if req.Timeout != "" {
			timeout, e := time.ParseDuration(req.Timeout)
			if e != nil {
				err = fmt.Errorf("could not parse wait timeout: %w", e)
				return false, err
			}
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err = ses.dev.Wait(wctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		data = ses.status()
		err = multierr.Append(err, ses.stop())
		if err != nil {
			return false, err
		}

	case "cancel":
		err = multierr.Append(ses.dev.Cancel(), ses.stop())
		if err != nil {
			return false, err
		}

	case "status":
		data = ses.status()

	case "info":
		data, err = ses.dev.Info()
		if err != nil {
			return false, err
		}

	case "quit":
		err = ses.dev.Cancel()
		return true, err

	default:
		err = fmt.Errorf("unknown command %q", name)
		return false, err
	}

	return false, nil
}

func (ses *session) status() Status {
	st := Status{
		Session: ses.dev.Session(),
		Run:     ses.run,
		Drained: ses.sink.Total(),
	}
	if st.Session.Err != nil {
		st.Err = st.Session.Err.Error()
	}
	if ses.rec != nil {
		st.File = ses.rec.fname
	}
	return st
}

// start records the samples of a new run and starts the acquisition.
func (ses *session) start(run int) error {
	if ses.rec != nil {
		return ErrBusy
	}

	rec, err := newRecorder(ses.srv.odir, run, ses.sink)
	if err != nil {
		return err
	}
	ses.rec = rec
	ses.run = run

	err = ses.dev.Start()
	if err != nil {
		return multierr.Append(err, ses.stop())
	}
	return nil
}

// stop ends the recording of the current run, if any.
func (ses *session) stop() error {
	if ses.rec == nil {
		return nil
	}
	rec := ses.rec
	ses.rec = nil

	_ = ses.sink.Close()
	err := rec.wait()
	ses.sink.Reset()
	if err != nil {
		return err
	}
	ses.srv.msg.Printf("run %d: recorded %d bytes into %q", ses.run, rec.n, rec.fname)
	return nil
}

// recorder copies the drained samples into a run file.
type recorder struct {
	fname string
	n     int64
	done  chan error
}

func newRecorder(odir string, run int, src io.Reader) (*recorder, error) {
	fname := filepath.Join(odir, fmt.Sprintf("hpdi_%d.raw", run))
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create run file: %w", err)
	}

	rec := &recorder{
		fname: fname,
		done:  make(chan error, 1),
	}
	go func() {
		n, err := io.Copy(f, src)
		rec.n = n
		if err != nil {
			err = fmt.Errorf("could not write run file %q: %w", fname, err)
		}
		rec.done <- multierr.Append(err, f.Close())
	}()
	return rec, nil
}

func (rec *recorder) wait() error {
	return <-rec.done
}
