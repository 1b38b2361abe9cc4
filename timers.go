/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 *
 * This is based heavily on timers.c from the kernel implementation.
 */

package tunnelguard

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type timerReason uint8

const (
	timerRetransmitHandshake timerReason = iota
	timerSendKeepalive
	timerNewHandshake
	timerZeroKeyMaterial
	timerPersistentKeepalive
	timerExpireSession
	timerReconnect
	timerRotateCookie
)

func (r timerReason) String() string {
	switch r {
	case timerRetransmitHandshake:
		return "retransmit-handshake"
	case timerSendKeepalive:
		return "send-keepalive"
	case timerNewHandshake:
		return "new-handshake"
	case timerZeroKeyMaterial:
		return "zero-key-material"
	case timerPersistentKeepalive:
		return "persistent-keepalive"
	case timerExpireSession:
		return "expire-session"
	case timerReconnect:
		return "reconnect"
	case timerRotateCookie:
		return "rotate-cookie"
	default:
		return "unknown"
	}
}

type timerKey struct {
	handle peerHandle
	reason timerReason
}

type timerEntry struct {
	deadline time.Time
	key      timerKey
	seq      uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// timerQueue holds every protocol deadline of an engine. Entries are never
// removed eagerly: an entry fires only if its sequence is still the live one
// for its key, so Mod and Del are constant work.
type timerQueue struct {
	mu      sync.Mutex
	clock   Clock
	entries timerHeap
	live    map[timerKey]uint64
	seq     uint64
	wake    chan struct{}

	// running is held while an expiration function executes.
	running sync.Mutex
}

func newTimerQueue(clk Clock) *timerQueue {
	return &timerQueue{
		clock: clk,
		live:  make(map[timerKey]uint64),
		wake:  make(chan struct{}, 1),
	}
}

func (q *timerQueue) schedule(key timerKey, d time.Duration) {
	q.mu.Lock()
	q.seq++
	entry := timerEntry{
		deadline: q.clock.Now().Add(d),
		key:      key,
		seq:      q.seq,
	}
	q.live[key] = entry.seq
	heap.Push(&q.entries, entry)
	if len(q.entries) > 2*len(q.live)+64 {
		q.compactLocked()
	}
	earliest := q.entries[0].seq == entry.seq
	q.mu.Unlock()

	if earliest {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *timerQueue) compactLocked() {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if q.live[entry.key] == entry.seq {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
	heap.Init(&q.entries)
}

func (q *timerQueue) cancel(key timerKey) {
	q.mu.Lock()
	delete(q.live, key)
	q.mu.Unlock()
}

// cancelHandle drops every pending deadline of a peer.
func (q *timerQueue) cancelHandle(handle peerHandle) {
	q.mu.Lock()
	for key := range q.live {
		if key.handle == handle {
			delete(q.live, key)
		}
	}
	q.mu.Unlock()
}

func (q *timerQueue) pending(key timerKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.live[key]
	return ok
}

// claim consumes a due entry. It fails if the timer was modified or
// deleted after the entry was queued.
func (q *timerQueue) claim(entry timerEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq, ok := q.live[entry.key]; !ok || seq != entry.seq {
		return false
	}
	delete(q.live, entry.key)
	return true
}

func (q *timerQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 {
		head := q.entries[0]
		if q.live[head.key] == head.seq {
			return head.deadline, true
		}
		heap.Pop(&q.entries)
	}
	return time.Time{}, false
}

func (q *timerQueue) popDue(now time.Time) []timerEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []timerEntry
	for len(q.entries) > 0 && !q.entries[0].deadline.After(now) {
		due = append(due, heap.Pop(&q.entries).(timerEntry))
	}
	return due
}

// run drives the queue until stop is closed, handing every due entry to
// fire in deadline order.
func (q *timerQueue) run(stop <-chan struct{}, fire func(timerEntry)) {
	for {
		var (
			timer   *clock.Timer
			expired <-chan time.Time
		)
		if deadline, ok := q.next(); ok {
			timer = q.clock.Timer(deadline.Sub(q.clock.Now()))
			expired = timer.C
		}

		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}

		for _, entry := range q.popDue(q.clock.Now()) {
			fire(entry)
		}
	}
}

// A wgTimer manages time-based aspects of the WireGuard protocol.
// wgTimer roughly copies the interface of the Linux kernel's struct timer_list.
type wgTimer struct {
	queue *timerQueue
	key   timerKey
}

func (q *timerQueue) newTimer(handle peerHandle, reason timerReason) *wgTimer {
	return &wgTimer{queue: q, key: timerKey{handle: handle, reason: reason}}
}

func (timer *wgTimer) Mod(d time.Duration) {
	timer.queue.schedule(timer.key, d)
}

func (timer *wgTimer) Del() {
	timer.queue.cancel(timer.key)
}

// DelSync deletes the timer and waits for a running expiration function to
// return. It must not be called from an expiration function.
func (timer *wgTimer) DelSync() {
	timer.Del()
	timer.queue.running.Lock()
	timer.Del()
	timer.queue.running.Unlock()
}

func (timer *wgTimer) IsPending() bool {
	return timer.queue.pending(timer.key)
}

func jitter() time.Duration {
	return time.Millisecond * time.Duration(rand.Int63n(rekeyTimeoutJitterMaxMs))
}

// fireTimer dispatches a due entry to the peer or engine it belongs to.
func (e *Engine) fireTimer(entry timerEntry) {
	if entry.key.handle.isZero() {
		e.timers.running.Lock()
		defer e.timers.running.Unlock()
		if !e.timers.claim(entry) {
			return
		}
		if entry.key.reason == timerRotateCookie {
			e.expiredRotateCookie()
		}
		return
	}

	peer := e.peers.resolve(entry.key.handle)
	if peer == nil {
		e.timers.cancel(entry.key)
		return
	}

	e.timers.running.Lock()
	defer e.timers.running.Unlock()
	if !e.timers.claim(entry) {
		return
	}
	switch entry.key.reason {
	case timerRetransmitHandshake:
		expiredRetransmitHandshake(peer)
	case timerSendKeepalive:
		expiredSendKeepalive(peer)
	case timerNewHandshake:
		expiredNewHandshake(peer)
	case timerZeroKeyMaterial:
		expiredZeroKeyMaterial(peer)
	case timerPersistentKeepalive:
		expiredPersistentKeepalive(peer)
	case timerExpireSession:
		expiredSession(peer)
	case timerReconnect:
		expiredReconnect(peer)
	}
}

func (e *Engine) expiredRotateCookie() {
	if err := e.cookieChecker.Rotate(); err != nil {
		e.log.Error("failed to rotate cookie secret", "error", err)
	}
	e.cookieRotation.Mod(cookieRefreshTime)
}

func (peer *peer) timersActive() bool {
	return peer.isRunning.Load() && peer.device != nil && peer.device.isUp()
}

func expiredRetransmitHandshake(peer *peer) {
	if peer.timers.handshakeAttempts.Load() > maxTimerHandshakes {
		peer.log.Info("handshake did not complete, giving up", "attempts", maxTimerHandshakes+2)

		if peer.timersActive() {
			peer.timers.sendKeepalive.Del()
		}

		/* We drop all packets without a keypair and don't try again,
		 * if we try unsuccessfully for too long to make a handshake.
		 */
		peer.flushStagedPackets()

		/* We set a timer for destroying any residue that might be left
		 * of a partial exchange.
		 */
		if peer.timersActive() && !peer.timers.zeroKeyMaterial.IsPending() {
			peer.timers.zeroKeyMaterial.Mod(rejectAfterTime * 3)
		}

		peer.handshakeAbandoned()
	} else {
		peer.timers.handshakeAttempts.Add(1)
		peer.log.Debug("handshake did not complete, retrying",
			"timeout", rekeyTimeout,
			"try", peer.timers.handshakeAttempts.Load()+1)
		peer.sendHandshakeInitiation(true)
	}
}

func expiredSendKeepalive(peer *peer) {
	peer.sendKeepalive()
	if peer.timers.needAnotherKeepalive.Load() {
		peer.timers.needAnotherKeepalive.Store(false)
		if peer.timersActive() {
			peer.timers.sendKeepalive.Mod(keepaliveTimeout)
		}
	}
}

func expiredNewHandshake(peer *peer) {
	peer.log.Debug("retrying handshake because we stopped hearing back", "after", keepaliveTimeout+rekeyTimeout)
	peer.sendHandshakeInitiation(false)
}

func expiredZeroKeyMaterial(peer *peer) {
	peer.log.Debug("removing all keys, since we haven't received a new one", "after", rejectAfterTime*3)
	peer.zeroAndFlushAll()
}

func expiredPersistentKeepalive(peer *peer) {
	if peer.persistentKeepaliveInterval.Load() > 0 {
		peer.sendKeepalive()
	}
}

func expiredSession(peer *peer) {
	now := peer.device.clock.Now()
	if current := peer.keypairs.Current(); current == nil || current.expired(now) {
		peer.expireSession(now)
	}
	peer.scheduleSessionExpiry(now)
}

// scheduleSessionExpiry arms the expiry timer for the oldest keypair that
// can still become or remain the current one.
func (peer *peer) scheduleSessionExpiry(now time.Time) {
	if !peer.timersActive() {
		return
	}
	deadline, ok := peer.keypairs.nextExpiry()
	if !ok {
		peer.timers.expireSession.Del()
		return
	}
	peer.timers.expireSession.Mod(deadline.Sub(now))
}

func expiredReconnect(peer *peer) {
	if peer.device.role() != RoleInitiator {
		return
	}
	peer.log.Info("reconnecting", "attempt", peer.backoff.count())
	peer.sendHandshakeInitiation(false)
}

/* Should be called after an authenticated data packet is sent. */
func (peer *peer) timersDataSent() {
	if peer.timersActive() && !peer.timers.newHandshake.IsPending() {
		peer.timers.newHandshake.Mod(keepaliveTimeout + rekeyTimeout + jitter())
	}
}

/* Should be called after an authenticated data packet is received. */
func (peer *peer) timersDataReceived() {
	if peer.timersActive() {
		if !peer.timers.sendKeepalive.IsPending() {
			peer.timers.sendKeepalive.Mod(keepaliveTimeout)
		} else {
			peer.timers.needAnotherKeepalive.Store(true)
		}
	}
}

/* Should be called after any type of authenticated packet is sent -- keepalive, data, or handshake. */
func (peer *peer) timersAnyAuthenticatedPacketSent() {
	if peer.timersActive() {
		peer.timers.sendKeepalive.Del()
	}
}

/* Should be called after any type of authenticated packet is received -- keepalive, data, or handshake. */
func (peer *peer) timersAnyAuthenticatedPacketReceived() {
	if peer.timersActive() {
		peer.timers.newHandshake.Del()
	}
}

/* Should be called after a handshake initiation message is sent. */
func (peer *peer) timersHandshakeInitiated() {
	if peer.timersActive() {
		peer.timers.retransmitHandshake.Mod(rekeyTimeout + jitter())
	}
}

/* Should be called after a handshake response message is received and processed or when getting key confirmation via the first data message. */
func (peer *peer) timersHandshakeComplete() {
	if peer.timersActive() {
		peer.timers.retransmitHandshake.Del()
		peer.timers.reconnect.Del()
	}
	peer.timers.handshakeAttempts.Store(0)
	peer.backoff.reset()
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.lastHandshakeNano.Store(peer.device.clock.Now().UnixNano())
}

/* Should be called after an ephemeral key is created, which is before sending a handshake response or after receiving a handshake response. */
func (peer *peer) timersSessionDerived() {
	if peer.timersActive() {
		peer.timers.zeroKeyMaterial.Mod(rejectAfterTime * 3)
		peer.scheduleSessionExpiry(peer.device.clock.Now())
	}
}

/* Should be called before a packet with authentication -- keepalive, data, or handshake -- is sent, or after one is received. */
func (peer *peer) timersAnyAuthenticatedPacketTraversal() {
	keepalive := peer.persistentKeepaliveInterval.Load()
	if keepalive > 0 && peer.timersActive() {
		peer.timers.persistentKeepalive.Mod(time.Duration(keepalive) * time.Second)
	}
}

/* Should be called when a client gives up on a handshake. */
func (peer *peer) timersHandshakeAbandoned() {
	if peer.timersActive() && peer.device.role() == RoleInitiator {
		peer.timers.reconnect.Mod(peer.backoff.next())
	}
}

func (peer *peer) timersInit() {
	timers := peer.device.timers
	peer.timers.retransmitHandshake = timers.newTimer(peer.handle, timerRetransmitHandshake)
	peer.timers.sendKeepalive = timers.newTimer(peer.handle, timerSendKeepalive)
	peer.timers.newHandshake = timers.newTimer(peer.handle, timerNewHandshake)
	peer.timers.zeroKeyMaterial = timers.newTimer(peer.handle, timerZeroKeyMaterial)
	peer.timers.persistentKeepalive = timers.newTimer(peer.handle, timerPersistentKeepalive)
	peer.timers.expireSession = timers.newTimer(peer.handle, timerExpireSession)
	peer.timers.reconnect = timers.newTimer(peer.handle, timerReconnect)
}

func (peer *peer) timersStart() {
	peer.timers.handshakeAttempts.Store(0)
	peer.backoff.reset()
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.timers.needAnotherKeepalive.Store(false)
}

func (peer *peer) timersStop() {
	peer.timers.retransmitHandshake.Del()
	peer.timers.sendKeepalive.Del()
	peer.timers.newHandshake.Del()
	peer.timers.zeroKeyMaterial.Del()
	peer.timers.persistentKeepalive.Del()
	peer.timers.expireSession.Del()
	peer.timers.reconnect.DelSync()
}
