/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/replay"
)

/* Due to limitations in Go and /x/crypto there is currently
 * no way to ensure that key material is securely ereased in memory.
 *
 * Since this may harm the forward secrecy property,
 * we plan to resolve this issue; whenever Go allows us to do so.
 */

var errShortTransport = errors.New("transport message too short")

type keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.Filter
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
}

type keypairs struct {
	sync.RWMutex
	current  *keypair
	previous *keypair
	next     atomic.Pointer[keypair]
}

func (kp *keypairs) Current() *keypair {
	kp.RLock()
	defer kp.RUnlock()
	return kp.current
}

// nextExpiry returns when the older of the current and the unconfirmed
// next keypair reaches its hard lifetime.
func (kp *keypairs) nextExpiry() (time.Time, bool) {
	kp.RLock()
	defer kp.RUnlock()
	var (
		deadline time.Time
		found    bool
	)
	for _, key := range [...]*keypair{kp.current, kp.next.Load()} {
		if key == nil {
			continue
		}
		if at := key.created.Add(rejectAfterTime); !found || at.Before(deadline) {
			deadline, found = at, true
		}
	}
	return deadline, found
}

// expired reports whether the keypair reached its hard lifetime.
func (kp *keypair) expired(now time.Time) bool {
	return now.Sub(kp.created) >= rejectAfterTime
}

// nextNonce reserves the next send counter. The second result is false once
// the counter space is exhausted; the keypair must not seal anything then.
func (kp *keypair) nextNonce() (uint64, bool) {
	nonce := kp.sendNonce.Add(1) - 1
	return nonce, nonce < rejectAfterMessages
}

// seal writes the transport header into dst and appends the sealed content.
// content may alias dst[messageTransportHeaderSize:] exactly.
func (kp *keypair) seal(dst []byte, nonce uint64, content []byte) []byte {
	header := dst[:messageTransportHeaderSize]
	binary.LittleEndian.PutUint32(header[0:4], messageTransportType)
	binary.LittleEndian.PutUint32(header[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(header[messageTransportOffsetCounter:], nonce)

	var nonceBytes [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], nonce)
	return kp.send.Seal(header, nonceBytes[:], content, nil)
}

// open authenticates a transport message and returns its counter and
// plaintext. It does not touch the replay window.
func (kp *keypair) open(dst, packet []byte) (uint64, []byte, error) {
	if len(packet) < messageKeepaliveSize {
		return 0, nil, errShortTransport
	}
	counter := binary.LittleEndian.Uint64(packet[messageTransportOffsetCounter:messageTransportOffsetContent])

	var nonceBytes [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], counter)
	plaintext, err := kp.receive.Open(dst, nonceBytes[:], packet[messageTransportOffsetContent:], nil)
	if err != nil {
		return 0, nil, err
	}
	return counter, plaintext, nil
}

// acceptCounter advances the replay window. Only call it for packets that
// already authenticated.
func (kp *keypair) acceptCounter(counter uint64) bool {
	return kp.replayFilter.ValidateCounter(counter, rejectAfterMessages)
}

func (e *Engine) deleteKeypair(key *keypair) {
	if key != nil {
		e.indexTable.Delete(key.localIndex)
	}
}
