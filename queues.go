/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"fmt"
	"strings"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
)

// DropPolicy selects which packet a full queue discards. Producers never
// block on a full queue.
type DropPolicy uint8

const (
	// DropOldest evicts the packet that waited longest.
	DropOldest DropPolicy = iota
	// DropNewest discards the packet being queued.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("DropPolicy(%d)", uint8(p))
	}
}

// ParseDropPolicy accepts "oldest", "newest" and the String forms.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "drop-") {
	case "oldest", "":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("%w: unknown drop policy %q", ErrInvalidConfig, s)
}

// boundedQueue is a fixed-capacity channel with a drop policy.
type boundedQueue[T any] struct {
	c      chan T
	policy DropPolicy
	drop   func(T)
}

func newBoundedQueue[T any](size int, policy DropPolicy, drop func(T)) *boundedQueue[T] {
	return &boundedQueue[T]{
		c:      make(chan T, size),
		policy: policy,
		drop:   drop,
	}
}

// push queues elem without blocking. It reports false if something was
// discarded to make room, or elem itself was discarded.
func (q *boundedQueue[T]) push(elem T) bool {
	select {
	case q.c <- elem:
		return true
	default:
	}
	if q.policy == DropNewest {
		q.drop(elem)
		return false
	}
	for {
		select {
		case q.c <- elem:
			return false
		default:
		}
		select {
		case tooOld := <-q.c:
			q.drop(tooOld)
		default:
		}
	}
}

func (q *boundedQueue[T]) flush() {
	for {
		select {
		case elem := <-q.c:
			q.drop(elem)
		default:
			return
		}
	}
}

func (q *boundedQueue[T]) len() int {
	return len(q.c)
}

type queueOutboundElement struct {
	buffer  *[maxMessageSize]byte // slice holding the packet data
	packet  []byte                // slice of "buffer" (always!)
	nonce   uint64                // nonce for encryption
	keypair *keypair              // keypair for encryption
	peer    *peer                 // related peer
}

// clearPointers clears elem fields that contain pointers.
// This makes the garbage collector's life easier and
// avoids accidentally keeping other objects around unnecessarily.
// It also reduces the possible collateral damage from use-after-free bugs.
func (elem *queueOutboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.peer = nil
}

type queueInboundElement struct {
	buffer   *[maxMessageSize]byte
	packet   []byte
	keypair  *keypair
	endpoint conn.Endpoint
}

func (elem *queueInboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.endpoint = nil
}

type queueHandshakeElement struct {
	msgType  uint32
	packet   []byte
	buffer   *[maxMessageSize]byte
	endpoint conn.Endpoint
}

// handshakeQueue feeds the handshake workers. The wait group counts
// producers; the channel closes once the last one is done.
type handshakeQueue struct {
	*boundedQueue[queueHandshakeElement]
	wg sync.WaitGroup
}

func newHandshakeQueue(drop func(queueHandshakeElement)) *handshakeQueue {
	q := &handshakeQueue{
		boundedQueue: newBoundedQueue(queueHandshakeSize, DropNewest, drop),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}

func (e *Engine) dropOutbound(elem *queueOutboundElement) {
	e.metrics.dropped(dropQueueFull)
	e.putMessageBuffer(elem.buffer)
	e.putOutboundElement(elem)
}

func (e *Engine) dropInbound(elem *queueInboundElement) {
	e.metrics.dropped(dropQueueFull)
	e.putMessageBuffer(elem.buffer)
	e.putInboundElement(elem)
}

func (e *Engine) dropHandshake(elem queueHandshakeElement) {
	e.metrics.dropped(dropQueueFull)
	e.putMessageBuffer(elem.buffer)
}
