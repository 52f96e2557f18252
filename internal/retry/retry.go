// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package retry implements bounded polling of hardware conditions.
package retry // import "github.com/go-lpc/gsc/internal/retry"

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrTimeout is returned when a polled condition never became true.
var ErrTimeout = errors.New("retry: timeout")

// Policy describes how long and how often a condition is polled.
type Policy struct {
	Interval time.Duration // delay between two consecutive polls
	Max      int           // maximum number of polls after the first one
}

// Default is the polling policy used for board and bridge handshakes.
var Default = Policy{Interval: 10 * time.Microsecond, Max: 5}

func (p Policy) backoff() backoff.BackOff {
	if p.Max <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.Interval),
		uint64(p.Max),
	)
}

// Until polls cond until it reports true, the policy is exhausted or cond
// fails. Errors from cond abort the poll and are returned as is.
// Exhausting the policy returns an error wrapping ErrTimeout.
func Until(p Policy, what string, cond func() (bool, error)) error {
	var (
		errNotYet = errors.New("retry: not yet")
		perr      error
	)
	op := func() error {
		ok, err := cond()
		switch {
		case err != nil:
			perr = err
			return nil
		case !ok:
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, p.backoff())
	switch {
	case perr != nil:
		return perr
	case err != nil:
		return fmt.Errorf("%s after %d polls: %w", what, p.polls(), ErrTimeout)
	}
	return nil
}

func (p Policy) polls() int {
	if p.Max <= 0 {
		return 1
	}
	return p.Max + 1
}
