/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTimerQueue(t *testing.T, clock Clock) (*timerQueue, <-chan timerKey) {
	t.Helper()
	q := newTimerQueue(clock)
	fired := make(chan timerKey, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.run(stop, func(entry timerEntry) {
			if q.claim(entry) {
				fired <- entry.key
			}
		})
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return q, fired
}

func expectFired(t *testing.T, fired <-chan timerKey, want timerKey) {
	t.Helper()
	select {
	case key := <-fired:
		require.Equal(t, want, key)
	case <-time.After(5 * time.Second):
		t.Fatalf("timer %v never fired", want.reason)
	}
}

func expectQuiet(t *testing.T, fired <-chan timerKey) {
	t.Helper()
	select {
	case key := <-fired:
		t.Fatalf("timer %v fired early", key.reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerQueueOrder(t *testing.T) {
	clock := newTestClock()
	q, fired := startTimerQueue(t, clock)
	handle := peerHandle{index: 1, generation: 1}

	keepalive := q.newTimer(handle, timerSendKeepalive)
	retransmit := q.newTimer(handle, timerRetransmitHandshake)
	keepalive.Mod(10 * time.Second)
	retransmit.Mod(5 * time.Second)
	assert.True(t, keepalive.IsPending())
	assert.True(t, retransmit.IsPending())

	clock.Add(4 * time.Second)
	expectQuiet(t, fired)

	clock.Add(time.Second)
	expectFired(t, fired, retransmit.key)
	assert.False(t, retransmit.IsPending())
	assert.True(t, keepalive.IsPending())

	clock.Add(5 * time.Second)
	expectFired(t, fired, keepalive.key)
	assert.False(t, keepalive.IsPending())
}

func TestTimerQueueModReplacesDeadline(t *testing.T) {
	clock := newTestClock()
	q, fired := startTimerQueue(t, clock)
	timer := q.newTimer(peerHandle{index: 1, generation: 1}, timerNewHandshake)

	timer.Mod(time.Second)
	timer.Mod(10 * time.Second)

	clock.Add(2 * time.Second)
	expectQuiet(t, fired)
	assert.True(t, timer.IsPending())

	clock.Add(8 * time.Second)
	expectFired(t, fired, timer.key)
	expectQuiet(t, fired)
}

func TestTimerQueueDel(t *testing.T) {
	clock := newTestClock()
	q, fired := startTimerQueue(t, clock)
	a := peerHandle{index: 1, generation: 1}
	b := peerHandle{index: 2, generation: 1}

	deleted := q.newTimer(a, timerZeroKeyMaterial)
	deleted.Mod(time.Second)
	deleted.Del()
	assert.False(t, deleted.IsPending())

	q.newTimer(a, timerSendKeepalive).Mod(time.Second)
	q.newTimer(a, timerExpireSession).Mod(time.Second)
	survivor := q.newTimer(b, timerSendKeepalive)
	survivor.Mod(2 * time.Second)
	q.cancelHandle(a)

	clock.Add(2 * time.Second)
	expectFired(t, fired, survivor.key)
	expectQuiet(t, fired)
}

func TestTimerQueueImmediate(t *testing.T) {
	clock := newTestClock()
	q, fired := startTimerQueue(t, clock)
	timer := q.newTimer(peerHandle{}, timerRotateCookie)

	timer.Mod(0)
	expectFired(t, fired, timer.key)
}

func TestTimerQueueCompaction(t *testing.T) {
	q := newTimerQueue(newTestClock())
	timer := q.newTimer(peerHandle{index: 1, generation: 1}, timerPersistentKeepalive)

	for i := 0; i < 1000; i++ {
		timer.Mod(time.Duration(i+1) * time.Second)
	}

	q.mu.Lock()
	size := len(q.entries)
	q.mu.Unlock()
	assert.LessOrEqual(t, size, 2*1+64+1)

	deadline, ok := q.next()
	require.True(t, ok)
	assert.True(t, newTestClock().Now().Add(1000*time.Second).Equal(deadline))
}
