// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alert

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	mail "gopkg.in/gomail.v2"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("MAIL_USERNAME", "daq@example.com")
	t.Setenv("MAIL_PASSWORD", "s3cr3t")
	t.Setenv("MAIL_SERVER", "smtp.example.com")
	t.Setenv("MAIL_PORT", "587")
	t.Setenv("MAIL_TGTS", "alice@example.com, bob@example.com,")

	got := FromEnv()
	want := &Mailer{
		From:     "daq@example.com",
		Password: "s3cr3t",
		Server:   "smtp.example.com",
		Port:     587,
		Targets:  []string{"alice@example.com", "bob@example.com"},
		Max:      DefaultMax,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Mailer{})); diff != "" {
		t.Fatalf("invalid mailer (-want +got):\n%s", diff)
	}
}

func TestSend(t *testing.T) {
	var (
		sent []string
		fail bool
	)
	m := &Mailer{
		From:     "daq@example.com",
		Password: "s3cr3t",
		Server:   "smtp.example.com",
		Port:     587,
		Targets:  []string{"alice@example.com"},
		Max:      2,
		send: func(msg *mail.Message) error {
			if fail {
				return fmt.Errorf("smtp failure")
			}
			buf := new(bytes.Buffer)
			_, err := msg.WriteTo(buf)
			if err != nil {
				return err
			}
			sent = append(sent, strings.Join(msg.GetHeader("Subject"), ""))
			return nil
		},
	}

	for i := 0; i < 3; i++ {
		err := m.Send("overrun", "ring overrun")
		if err != nil {
			t.Fatalf("could not send alert: %+v", err)
		}
	}
	err := m.Send("fifo", "fifo overrun")
	if err != nil {
		t.Fatalf("could not send alert: %+v", err)
	}

	want := []string{"[hpdi] alert: overrun", "[hpdi] alert: overrun", "[hpdi] alert: fifo"}
	if diff := cmp.Diff(want, sent); diff != "" {
		t.Fatalf("invalid alerts (-want +got):\n%s", diff)
	}

	m.Reset()
	fail = true
	err = m.Send("overrun", "ring overrun")
	if err == nil {
		t.Fatalf("expected a send error")
	}

	err = new(Mailer).Send("overrun", "ring overrun")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("invalid error: %+v", err)
	}
}
