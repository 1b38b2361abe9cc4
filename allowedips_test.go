/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedIPsLongestPrefix(t *testing.T) {
	a, b, c, d, e := &peer{}, &peer{}, &peer{}, &peer{}, &peer{}

	var table allowedIPs
	insert := func(p *peer, s string) {
		table.Insert(netip.MustParsePrefix(s), p)
	}
	lookup := func(s string) *peer {
		return table.Lookup(netip.MustParseAddr(s))
	}

	insert(a, "192.168.4.0/24")
	insert(b, "192.168.4.4/32")
	insert(c, "192.168.0.0/16")
	insert(d, "192.95.5.64/27")
	insert(e, "0.0.0.0/0")
	insert(a, "2607:5300:60:6b0::c05f:543/128")
	insert(c, "2607:5300:60:6b0::/64")

	assert.Same(t, a, lookup("192.168.4.20"))
	assert.Same(t, b, lookup("192.168.4.4"))
	assert.Same(t, c, lookup("192.168.200.182"))
	assert.Same(t, d, lookup("192.95.5.68"))
	assert.Same(t, e, lookup("10.0.0.1"))
	assert.Same(t, a, lookup("2607:5300:60:6b0::c05f:543"))
	assert.Same(t, c, lookup("2607:5300:60:6b0::1"))
	assert.Nil(t, lookup("2001:db8::1"), "no IPv6 default route was inserted")
}

func TestAllowedIPsOwnershipMoves(t *testing.T) {
	a, b := &peer{}, &peer{}

	var table allowedIPs
	prefix := netip.MustParsePrefix("10.0.0.0/8")
	table.Insert(prefix, a)
	table.Insert(prefix, b)

	assert.Same(t, b, table.Lookup(netip.MustParseAddr("10.1.2.3")))
	assert.Equal(t, 0, a.trieEntries.Len())
	assert.Equal(t, 1, b.trieEntries.Len())

	// re-inserting for the same owner is a no-op
	table.Insert(prefix, b)
	assert.Equal(t, 1, b.trieEntries.Len())
}

func TestAllowedIPsRemoveByPeer(t *testing.T) {
	a, b := &peer{}, &peer{}

	var table allowedIPs
	table.Insert(netip.MustParsePrefix("10.0.0.0/8"), a)
	table.Insert(netip.MustParsePrefix("10.1.0.0/16"), b)
	table.Insert(netip.MustParsePrefix("10.1.2.0/24"), a)
	table.Insert(netip.MustParsePrefix("fd00::/8"), a)

	table.RemoveByPeer(a)
	assert.Nil(t, table.Lookup(netip.MustParseAddr("10.200.0.1")))
	assert.Same(t, b, table.Lookup(netip.MustParseAddr("10.1.2.3")))
	assert.Nil(t, table.Lookup(netip.MustParseAddr("fd00::1")))
	assert.Nil(t, table.ipv6, "empty trie must be pruned")
	assert.Equal(t, 0, a.trieEntries.Len())

	table.RemoveByPeer(b)
	assert.Nil(t, table.ipv4)
}

func TestAllowedIPsEntriesForPeer(t *testing.T) {
	a := &peer{}

	var table allowedIPs
	want := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.1/32"),
		netip.MustParsePrefix("fd00::/64"),
	}
	for _, prefix := range want {
		table.Insert(prefix, a)
	}
	// host bits are masked off
	table.Insert(netip.MustParsePrefix("172.16.5.5/12"), a)
	want = append(want, netip.MustParsePrefix("172.16.0.0/12"))

	var got []netip.Prefix
	table.EntriesForPeer(a, func(prefix netip.Prefix) bool {
		got = append(got, prefix)
		return true
	})
	assert.Equal(t, want, got)
}

func TestAllowedIPsMapped(t *testing.T) {
	a := &peer{}

	var table allowedIPs
	table.Insert(netip.MustParsePrefix("::ffff:10.0.0.0/104"), a)

	assert.Same(t, a, table.Lookup(netip.MustParseAddr("10.0.0.1")))
	assert.Same(t, a, table.Lookup(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.Nil(t, table.Lookup(netip.MustParseAddr("11.0.0.1")))
}

// TestAllowedIPsRandom checks the trie against a linear scan.
func TestAllowedIPsRandom(t *testing.T) {
	const (
		numPeers   = 16
		numRoutes  = 512
		numLookups = 2048
	)
	rng := rand.New(rand.NewSource(1))

	peers := make([]*peer, numPeers)
	for i := range peers {
		peers[i] = &peer{}
	}

	type route struct {
		prefix netip.Prefix
		peer   *peer
	}
	var (
		table  allowedIPs
		routes []route
	)
	for i := 0; i < numRoutes; i++ {
		var b [4]byte
		rng.Read(b[:])
		prefix := netip.PrefixFrom(netip.AddrFrom4(b), rng.Intn(33)).Masked()
		p := peers[rng.Intn(numPeers)]
		table.Insert(prefix, p)

		replaced := false
		for j := range routes {
			if routes[j].prefix == prefix {
				routes[j].peer = p
				replaced = true
			}
		}
		if !replaced {
			routes = append(routes, route{prefix: prefix, peer: p})
		}
	}

	for i := 0; i < numLookups; i++ {
		var b [4]byte
		rng.Read(b[:])
		addr := netip.AddrFrom4(b)

		var want *peer
		bits := -1
		for _, r := range routes {
			if r.prefix.Contains(addr) && r.prefix.Bits() > bits {
				want, bits = r.peer, r.prefix.Bits()
			}
		}
		require.Same(t, want, table.Lookup(addr), "lookup %v", addr)
	}
}
