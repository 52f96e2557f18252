// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends mail alerts about acquisition faults.
package alert // import "github.com/go-lpc/gsc/internal/alert"

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	mail "gopkg.in/gomail.v2"
)

var ErrNoCredentials = errors.New("alert: missing mail credentials")

// DefaultMax is the default number of alerts sent per topic.
const DefaultMax = 5

// Mailer sends alerts by mail, at most Max times per topic.
type Mailer struct {
	From     string
	Password string
	Server   string
	Port     int
	Targets  []string
	Max      int

	mu   sync.Mutex
	sent map[string]int
	send func(msg *mail.Message) error
}

// FromEnv creates a mailer configured from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment
// variables. MAIL_TGTS is a comma separated list of addresses.
func FromEnv() *Mailer {
	port, _ := strconv.Atoi(os.Getenv("MAIL_PORT"))
	var tgts []string
	for _, tgt := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		tgt = strings.TrimSpace(tgt)
		if tgt == "" {
			continue
		}
		tgts = append(tgts, tgt)
	}
	return &Mailer{
		From:     os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		Server:   os.Getenv("MAIL_SERVER"),
		Port:     port,
		Targets:  tgts,
		Max:      DefaultMax,
	}
}

func (m *Mailer) valid() bool {
	return m.From != "" && m.Password != "" && m.Server != "" &&
		m.Port != 0 && len(m.Targets) != 0
}

// Send sends an alert about topic.
// Alerts beyond the maximum number for a topic are silently dropped.
func (m *Mailer) Send(topic, body string) error {
	if !m.valid() {
		return ErrNoCredentials
	}

	m.mu.Lock()
	if m.sent == nil {
		m.sent = make(map[string]int)
	}
	n := m.sent[topic]
	if m.Max > 0 && n >= m.Max {
		m.mu.Unlock()
		return nil
	}
	m.sent[topic] = n + 1
	m.mu.Unlock()

	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("Bcc", m.Targets...)
	msg.SetHeader("Subject", fmt.Sprintf("[hpdi] alert: %s", topic))
	msg.SetBody("text/plain", body)

	send := m.send
	if send == nil {
		send = m.dial
	}
	err := send(msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail alert: %w", err)
	}
	return nil
}

func (m *Mailer) dial(msg *mail.Message) error {
	dial := mail.NewDialer(m.Server, m.Port, m.From, m.Password)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}

// Reset forgets the alerts sent so far.
func (m *Mailer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
