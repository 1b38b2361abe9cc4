/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"time"
)

/* Specification constants */

const (
	rekeyAfterMessages      = (1 << 60)
	rejectAfterMessages     = (1 << 64) - (1 << 13) - 1
	rekeyAfterTime          = time.Second * 120
	rekeyAttemptTime        = time.Second * 90
	rekeyTimeout            = time.Second * 5
	maxTimerHandshakes      = 90 / 5 /* rekeyAttemptTime / rekeyTimeout */
	rekeyTimeoutJitterMaxMs = 334
	rejectAfterTime         = time.Second * 180
	keepaliveTimeout        = time.Second * 10
	cookieRefreshTime       = time.Second * 120
	handshakeInitationRate  = time.Second / 50
	underLoadAfterTime      = time.Second
	paddingMultiple         = 16
)

const (
	minMessageSize = messageKeepaliveSize                  // minimum size of transport message (keepalive)
	maxMessageSize = maxSegmentSize                        // maximum size of transport message
	maxContentSize = maxSegmentSize - messageTransportSize // maximum size of transport message content
)

const (
	// DefaultMTU is used when neither the configuration nor the TUN device
	// report one.
	DefaultMTU = 1420

	// DefaultListenPort is the conventional WireGuard port.
	DefaultListenPort = 51820
)
