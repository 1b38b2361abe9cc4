/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	ipv4offsetTotalLength = 2
	ipv4offsetSrc         = 12
	ipv4offsetDst         = ipv4offsetSrc + 4
)

const (
	ipv6offsetPayloadLength = 4
	ipv6offsetSrc           = 8
	ipv6offsetDst           = ipv6offsetSrc + 16
)

// packetDestination returns the destination of a plaintext IP packet read
// from the TUN device.
func packetDestination(packet []byte) (netip.Addr, bool) {
	if len(packet) == 0 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4.HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(packet[ipv4offsetDst : ipv4offsetDst+4])), true
	case 6:
		if len(packet) < ipv6.HeaderLen {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(packet[ipv6offsetDst : ipv6offsetDst+16])), true
	}
	return netip.Addr{}, false
}

// packetSource validates the length fields of a decrypted IP packet and
// returns its source along with the packet trimmed to its declared length.
func packetSource(packet []byte) (netip.Addr, []byte, bool) {
	if len(packet) == 0 {
		return netip.Addr{}, nil, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4.HeaderLen {
			return netip.Addr{}, nil, false
		}
		length := int(binary.BigEndian.Uint16(packet[ipv4offsetTotalLength:]))
		if length > len(packet) || length < ipv4.HeaderLen {
			return netip.Addr{}, nil, false
		}
		packet = packet[:length]
		return netip.AddrFrom4([4]byte(packet[ipv4offsetSrc : ipv4offsetSrc+4])), packet, true
	case 6:
		if len(packet) < ipv6.HeaderLen {
			return netip.Addr{}, nil, false
		}
		length := int(binary.BigEndian.Uint16(packet[ipv6offsetPayloadLength:])) + ipv6.HeaderLen
		if length > len(packet) {
			return netip.Addr{}, nil, false
		}
		packet = packet[:length]
		return netip.AddrFrom16([16]byte(packet[ipv6offsetSrc : ipv6offsetSrc+16])), packet, true
	}
	return netip.Addr{}, nil, false
}
