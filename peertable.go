/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"bytes"
	"net/netip"
	"sort"
	"sync"
)

// peerHandle addresses a peer slot. A handle goes stale when its peer is
// removed; resolving a stale handle yields nil.
type peerHandle struct {
	index      uint32
	generation uint32
}

// isZero reports whether h is the engine's own handle rather than a peer's.
func (h peerHandle) isZero() bool {
	return h.generation == 0
}

type peerSlot struct {
	peer       *peer
	generation uint32
}

// peerTable owns every peer of an engine along with the allowed-IP trie
// that routes to them. Lookups take the read lock, mutations the write lock.
type peerTable struct {
	sync.RWMutex
	slots   []peerSlot
	free    []uint32
	byKey   map[NoisePublicKey]peerHandle
	allowed allowedIPs
}

func (t *peerTable) init() {
	t.Lock()
	defer t.Unlock()
	t.slots = nil
	t.free = nil
	t.byKey = make(map[NoisePublicKey]peerHandle)
	t.allowed = allowedIPs{}
}

// insert allocates a slot for pk and stores the peer returned by build.
// build runs under the write lock and receives the new handle.
func (t *peerTable) insert(pk NoisePublicKey, prefixes []netip.Prefix, build func(peerHandle) *peer) (*peer, error) {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.byKey[pk]; ok {
		return nil, ErrDuplicatePeer
	}

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, peerSlot{generation: 1})
	}

	handle := peerHandle{index: index, generation: t.slots[index].generation}
	peer := build(handle)
	t.slots[index].peer = peer
	t.byKey[pk] = handle
	for _, prefix := range prefixes {
		t.allowed.Insert(prefix, peer)
	}
	return peer, nil
}

// remove unlinks the peer for pk and invalidates its handle. cancel runs
// under the write lock before the slot is released.
func (t *peerTable) remove(pk NoisePublicKey, cancel func(*peer)) *peer {
	t.Lock()
	defer t.Unlock()

	handle, ok := t.byKey[pk]
	if !ok {
		return nil
	}
	slot := &t.slots[handle.index]
	peer := slot.peer
	if cancel != nil {
		cancel(peer)
	}
	t.allowed.RemoveByPeer(peer)
	delete(t.byKey, pk)
	slot.peer = nil
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	t.free = append(t.free, handle.index)
	return peer
}

func (t *peerTable) resolve(h peerHandle) *peer {
	t.RLock()
	defer t.RUnlock()
	if h.isZero() || int(h.index) >= len(t.slots) {
		return nil
	}
	slot := t.slots[h.index]
	if slot.generation != h.generation {
		return nil
	}
	return slot.peer
}

func (t *peerTable) lookupKey(pk NoisePublicKey) *peer {
	t.RLock()
	defer t.RUnlock()
	handle, ok := t.byKey[pk]
	if !ok {
		return nil
	}
	return t.slots[handle.index].peer
}

// lookupDst returns the peer whose allowed IPs cover addr.
func (t *peerTable) lookupDst(addr netip.Addr) *peer {
	t.RLock()
	defer t.RUnlock()
	return t.allowed.Lookup(addr)
}

func (t *peerTable) allowedIPsFor(peer *peer) []netip.Prefix {
	t.RLock()
	defer t.RUnlock()
	var prefixes []netip.Prefix
	t.allowed.EntriesForPeer(peer, func(prefix netip.Prefix) bool {
		prefixes = append(prefixes, prefix)
		return true
	})
	return prefixes
}

// all returns the live peers ordered by public key.
func (t *peerTable) all() []*peer {
	t.RLock()
	peers := make([]*peer, 0, len(t.byKey))
	for _, handle := range t.byKey {
		peers = append(peers, t.slots[handle.index].peer)
	}
	t.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i].handshake.remoteStatic, peers[j].handshake.remoteStatic
		return bytes.Compare(a[:], b[:]) < 0
	})
	return peers
}

func (t *peerTable) len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.byKey)
}
