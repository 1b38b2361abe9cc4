/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"container/list"
	"net/netip"
)

// trieNode is one bit of a binary prefix trie. A node owned by a peer marks
// the end of one of that peer's prefixes.
type trieNode struct {
	child   [2]*trieNode
	parent  *trieNode
	bit     uint8
	peer    *peer
	prefix  netip.Prefix
	element *list.Element
}

// allowedIPs maps destination addresses to peers by longest-prefix match.
// Callers synchronize through the owning peerTable.
type allowedIPs struct {
	ipv4 *trieNode
	ipv6 *trieNode
}

func addrBit(b []byte, i int) uint8 {
	return (b[i/8] >> (7 - uint(i%8))) & 1
}

func (table *allowedIPs) root(addr netip.Addr) **trieNode {
	if addr.Is4() {
		return &table.ipv4
	}
	return &table.ipv6
}

// Insert assigns prefix to peer, taking it away from any previous owner.
func (table *allowedIPs) Insert(prefix netip.Prefix, peer *peer) {
	prefix = prefix.Masked()
	if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	addr := prefix.Addr()

	root := table.root(addr)
	if *root == nil {
		*root = &trieNode{}
	}
	node := *root
	bytes := addr.AsSlice()
	for i := 0; i < prefix.Bits(); i++ {
		bit := addrBit(bytes, i)
		if node.child[bit] == nil {
			node.child[bit] = &trieNode{parent: node, bit: bit}
		}
		node = node.child[bit]
	}

	if node.peer == peer {
		return
	}
	if node.peer != nil {
		node.peer.trieEntries.Remove(node.element)
	}
	node.peer = peer
	node.prefix = prefix
	node.element = peer.trieEntries.PushBack(node)
}

// Lookup returns the peer owning the most specific prefix covering addr.
func (table *allowedIPs) Lookup(addr netip.Addr) *peer {
	addr = addr.Unmap()
	node := *table.root(addr)
	if node == nil {
		return nil
	}
	bytes := addr.AsSlice()
	found := node.peer
	for i := 0; i < addr.BitLen(); i++ {
		node = node.child[addrBit(bytes, i)]
		if node == nil {
			break
		}
		if node.peer != nil {
			found = node.peer
		}
	}
	return found
}

// RemoveByPeer drops every prefix owned by peer and prunes empty branches.
func (table *allowedIPs) RemoveByPeer(peer *peer) {
	var next *list.Element
	for elem := peer.trieEntries.Front(); elem != nil; elem = next {
		next = elem.Next()
		node := elem.Value.(*trieNode)
		peer.trieEntries.Remove(elem)
		node.peer = nil
		node.element = nil
		table.prune(node)
	}
}

func (table *allowedIPs) prune(node *trieNode) {
	for node.parent != nil && node.peer == nil && node.child[0] == nil && node.child[1] == nil {
		parent := node.parent
		parent.child[node.bit] = nil
		node.parent = nil
		node = parent
	}
	if node.parent == nil && node.peer == nil && node.child[0] == nil && node.child[1] == nil {
		if table.ipv4 == node {
			table.ipv4 = nil
		} else if table.ipv6 == node {
			table.ipv6 = nil
		}
	}
}

// EntriesForPeer calls cb for each prefix of peer in insertion order until
// cb returns false.
func (table *allowedIPs) EntriesForPeer(peer *peer, cb func(prefix netip.Prefix) bool) {
	for elem := peer.trieEntries.Front(); elem != nil; elem = elem.Next() {
		node := elem.Value.(*trieNode)
		if !cb(node.prefix) {
			return
		}
	}
}
