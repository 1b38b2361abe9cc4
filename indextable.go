/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// indexTableEntry binds a local index to the handshake in flight or the
// keypair it produced.
type indexTableEntry struct {
	peer      *peer
	handshake *handshake
	keypair   *keypair
}

type indexTable struct {
	sync.RWMutex
	table map[uint32]indexTableEntry
}

func randUint32() (uint32, error) {
	var integer [4]byte
	_, err := rand.Read(integer[:])
	// Arbitrary endianness; both are intrinsified by the Go compiler.
	return binary.LittleEndian.Uint32(integer[:]), err
}

func (table *indexTable) Init() {
	table.Lock()
	defer table.Unlock()
	table.table = make(map[uint32]indexTableEntry)
}

func (table *indexTable) Delete(index uint32) {
	table.Lock()
	defer table.Unlock()
	delete(table.table, index)
}

// DeletePeer drops every index owned by peer.
func (table *indexTable) DeletePeer(peer *peer) {
	table.Lock()
	defer table.Unlock()
	for index, entry := range table.table {
		if entry.peer == peer {
			delete(table.table, index)
		}
	}
}

func (table *indexTable) SwapIndexForKeypair(index uint32, keypair *keypair) {
	table.Lock()
	defer table.Unlock()
	entry, ok := table.table[index]
	if !ok {
		return
	}
	table.table[index] = indexTableEntry{
		peer:      entry.peer,
		keypair:   keypair,
		handshake: nil,
	}
}

func (table *indexTable) NewIndexForHandshake(peer *peer, handshake *handshake) (uint32, error) {
	for {
		// generate random index

		index, err := randUint32()
		if err != nil {
			return index, err
		}
		if index == 0 {
			continue
		}

		// check if index used

		table.RLock()
		_, ok := table.table[index]
		table.RUnlock()
		if ok {
			continue
		}

		// check again while locked

		table.Lock()
		_, found := table.table[index]
		if found {
			table.Unlock()
			continue
		}
		table.table[index] = indexTableEntry{
			peer:      peer,
			handshake: handshake,
			keypair:   nil,
		}
		table.Unlock()
		return index, nil
	}
}

func (table *indexTable) Lookup(id uint32) indexTableEntry {
	table.RLock()
	defer table.RUnlock()
	return table.table[id]
}
