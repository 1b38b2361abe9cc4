/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Clock is the time source of an Engine. Every protocol timer and every
// timestamp the engine takes goes through it. clock.New() and *clock.Mock
// from github.com/benbjohnson/clock both satisfy it.
type Clock interface {
	Now() time.Time
	Timer(d time.Duration) *clock.Timer
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return clock.New() }

const (
	tai64nBase   = uint64(0x400000000000000a)
	whitenerMask = uint32(0x1000000 - 1)
)

// tai64nFrom encodes t the way tai64n.Now does, so handshake timestamps
// follow the engine clock rather than the wall clock.
func tai64nFrom(t time.Time) tai64n.Timestamp {
	var ts tai64n.Timestamp
	secs := tai64nBase + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}
