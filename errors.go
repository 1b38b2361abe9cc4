/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"errors"
)

var (
	// ErrInvalidConfig wraps every configuration problem reported by
	// ParseConfig, Config.Validate and the engine entry points.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicatePeer is returned when adding a public key that is already
	// configured.
	ErrDuplicatePeer = errors.New("peer already exists")

	// ErrPeerNotFound is returned when removing an unknown public key.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrInitiatorSinglePeer is returned when a client engine would end up
	// with more than one peer.
	ErrInitiatorSinglePeer = errors.New("initiator role supports exactly one peer")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")

	// ErrStartup wraps failures to bring the engine up, such as a UDP port
	// that cannot be bound.
	ErrStartup = errors.New("failed to start engine")
)
