/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// cookieChecker validates MAC1/MAC2 on handshake messages addressed to the
// local identity and issues cookie replies.
type cookieChecker struct {
	sync.RWMutex
	now  func() time.Time
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// cookieGenerator stamps MAC1/MAC2 on handshake messages sent to one peer
// and remembers the cookie that peer handed out.
type cookieGenerator struct {
	sync.RWMutex
	now  func() time.Time
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func labelledKey(dst []byte, label string, pk NoisePublicKey) {
	hash, _ := blake2s.New256(nil)
	hash.Write([]byte(label))
	hash.Write(pk[:])
	hash.Sum(dst[:0])
}

func (st *cookieChecker) Init(pk NoisePublicKey, now func() time.Time) {
	st.Lock()
	defer st.Unlock()

	st.now = now
	labelledKey(st.mac1.key[:], wgLabelMAC1, pk)
	labelledKey(st.mac2.encryptionKey[:], wgLabelCookie, pk)
	st.mac2.secretSet = time.Time{}
}

func (st *cookieChecker) CheckMAC1(msg []byte) bool {
	st.RLock()
	defer st.RUnlock()

	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	if smac1 < 0 {
		return false
	}

	var mac1 [blake2s.Size128]byte

	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

func (st *cookieChecker) CheckMAC2(msg, src []byte) bool {
	st.RLock()
	defer st.RUnlock()

	if st.now().Sub(st.mac2.secretSet) > cookieRefreshTime {
		return false
	}

	// derive cookie key

	var cookie [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(st.mac2.secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	// calculate mac of packet (including mac1)

	smac2 := len(msg) - blake2s.Size128
	if smac2 < 0 {
		return false
	}

	var mac2 [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()

	return hmac.Equal(mac2[:], msg[smac2:])
}

// Rotate replaces the cookie secret. Cookies issued under the old secret
// stop validating immediately.
func (st *cookieChecker) Rotate() error {
	st.Lock()
	defer st.Unlock()
	return st.rotateLocked()
}

func (st *cookieChecker) rotateLocked() error {
	if _, err := rand.Read(st.mac2.secret[:]); err != nil {
		return err
	}
	st.mac2.secretSet = st.now()
	return nil
}

func (st *cookieChecker) CreateReply(
	msg []byte,
	recv uint32,
	src []byte,
) (*messageCookieReply, error) {
	st.RLock()

	// refresh cookie secret

	if st.now().Sub(st.mac2.secretSet) > cookieRefreshTime {
		st.RUnlock()
		st.Lock()
		err := st.rotateLocked()
		st.Unlock()
		if err != nil {
			return nil, err
		}
		st.RLock()
	}

	// derive cookie

	var cookie [blake2s.Size128]byte
	func() {
		mac, _ := blake2s.New128(st.mac2.secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	// encrypt cookie

	size := len(msg)

	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := new(messageCookieReply)
	reply.Type = messageCookieReplyType
	reply.Receiver = recv

	_, err := rand.Read(reply.Nonce[:])
	if err != nil {
		st.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])

	st.RUnlock()

	return reply, nil
}

func (st *cookieGenerator) Init(pk NoisePublicKey, now func() time.Time) {
	st.Lock()
	defer st.Unlock()

	st.now = now
	labelledKey(st.mac1.key[:], wgLabelMAC1, pk)
	labelledKey(st.mac2.encryptionKey[:], wgLabelCookie, pk)
	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply decrypts a cookie reply bound to the last MAC1 sent. A
// given MAC1 accepts at most one reply.
func (st *cookieGenerator) ConsumeReply(msg *messageCookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], st.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	st.mac2.cookieSet = st.now()
	st.mac2.cookie = cookie
	st.mac2.hasLastMAC1 = false
	return true
}

func (st *cookieGenerator) AddMacs(msg []byte) {
	size := len(msg)

	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	st.Lock()
	defer st.Unlock()

	// set mac1

	func() {
		mac, _ := blake2s.New128(st.mac1.key[:])
		mac.Write(msg[:smac1])
		mac.Sum(mac1[:0])
	}()
	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	// set mac2

	if st.mac2.cookieSet.IsZero() || st.now().Sub(st.mac2.cookieSet) > cookieRefreshTime {
		setZero(mac2)
		return
	}

	func() {
		mac, _ := blake2s.New128(st.mac2.cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()
}
