/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"sync"
	"sync/atomic"
)

// waitPool is a sync.Pool that blocks get once max items are outstanding.
// A zero max disables the bound.
type waitPool[T any] struct {
	pool  sync.Pool
	cond  sync.Cond
	lock  sync.Mutex
	count atomic.Uint32
	max   uint32
}

func newWaitPool[T any](max uint32, alloc func() *T) *waitPool[T] {
	p := &waitPool[T]{pool: sync.Pool{New: func() any { return alloc() }}, max: max}
	p.cond = sync.Cond{L: &p.lock}
	return p
}

func (p *waitPool[T]) get() *T {
	if p.max != 0 {
		p.lock.Lock()
		for p.count.Load() >= p.max {
			p.cond.Wait()
		}
		p.count.Add(1)
		p.lock.Unlock()
	}
	return p.pool.Get().(*T)
}

func (p *waitPool[T]) put(x *T) {
	p.pool.Put(x)
	if p.max == 0 {
		return
	}
	p.count.Add(^uint32(0))
	p.cond.Signal()
}

type pools struct {
	messageBuffers   *waitPool[[maxMessageSize]byte]
	inboundElements  *waitPool[queueInboundElement]
	outboundElements *waitPool[queueOutboundElement]
}

func (e *Engine) populatePools() {
	e.pool.messageBuffers = newWaitPool(preallocatedBuffersPerPool, func() *[maxMessageSize]byte {
		return new([maxMessageSize]byte)
	})
	e.pool.inboundElements = newWaitPool(preallocatedBuffersPerPool, func() *queueInboundElement {
		return new(queueInboundElement)
	})
	e.pool.outboundElements = newWaitPool(preallocatedBuffersPerPool, func() *queueOutboundElement {
		return new(queueOutboundElement)
	})
}

func (e *Engine) getMessageBuffer() *[maxMessageSize]byte {
	return e.pool.messageBuffers.get()
}

func (e *Engine) putMessageBuffer(msg *[maxMessageSize]byte) {
	e.pool.messageBuffers.put(msg)
}

func (e *Engine) getInboundElement() *queueInboundElement {
	return e.pool.inboundElements.get()
}

func (e *Engine) putInboundElement(elem *queueInboundElement) {
	elem.clearPointers()
	e.pool.inboundElements.put(elem)
}

func (e *Engine) getOutboundElement() *queueOutboundElement {
	return e.pool.outboundElements.get()
}

func (e *Engine) putOutboundElement(elem *queueOutboundElement) {
	elem.clearPointers()
	e.pool.outboundElements.put(elem)
}

func (e *Engine) newOutboundElement() *queueOutboundElement {
	elem := e.getOutboundElement()
	elem.buffer = e.getMessageBuffer()
	elem.nonce = 0
	// keypair and peer were cleared (if necessary) by clearPointers.
	return elem
}
