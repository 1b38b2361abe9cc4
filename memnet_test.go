/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/tun/tuntest"
)

// memEndpoint is a conn.Endpoint on the in-memory network.
type memEndpoint netip.AddrPort

func (e memEndpoint) ClearSrc()           {}
func (e memEndpoint) SrcToString() string { return "" }
func (e memEndpoint) DstToString() string { return netip.AddrPort(e).String() }
func (e memEndpoint) DstIP() netip.Addr   { return netip.AddrPort(e).Addr() }
func (e memEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

func (e memEndpoint) DstToBytes() []byte {
	b, _ := netip.AddrPort(e).MarshalBinary()
	return b
}

type memPacket struct {
	data []byte
	from netip.AddrPort
}

// memNetwork delivers datagrams between memBinds by address. Datagrams to
// unknown addresses or full receive queues are lost, as with UDP.
type memNetwork struct {
	mu       sync.Mutex
	binds    map[netip.AddrPort]*memBind
	nextPort uint16
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		binds:    make(map[netip.AddrPort]*memBind),
		nextPort: 40000,
	}
}

func (n *memNetwork) newBind(addr string) *memBind {
	return &memBind{network: n, addr: netip.MustParseAddr(addr)}
}

func (n *memNetwork) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.binds[to]
	if !ok {
		return
	}
	select {
	case target.recv <- memPacket{data: append([]byte(nil), data...), from: from}:
	default:
	}
}

type memBind struct {
	network *memNetwork
	addr    netip.Addr

	mu     sync.Mutex
	port   uint16
	open   bool
	recv   chan memPacket
	closed chan struct{}
	filter func(packet []byte) bool
	sent   int
}

var _ conn.Bind = (*memBind)(nil)

// setFilter installs a hook that sees every outgoing datagram and drops it
// by returning false.
func (b *memBind) setFilter(filter func(packet []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = filter
}

func (b *memBind) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// pending counts datagrams delivered to b that were not read yet.
func (b *memBind) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recv)
}

func (b *memBind) localAddr() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return netip.AddrPortFrom(b.addr, b.port)
}

func (b *memBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil, 0, conn.ErrBindAlreadyOpen
	}

	n := b.network
	n.mu.Lock()
	if port == 0 {
		for {
			port = n.nextPort
			n.nextPort++
			if _, taken := n.binds[netip.AddrPortFrom(b.addr, port)]; !taken {
				break
			}
		}
	}
	local := netip.AddrPortFrom(b.addr, port)
	if _, taken := n.binds[local]; taken {
		n.mu.Unlock()
		return nil, 0, fmt.Errorf("listen udp %v: address already in use", local)
	}
	b.recv = make(chan memPacket, 1024)
	b.closed = make(chan struct{})
	n.binds[local] = b
	n.mu.Unlock()

	b.port = port
	b.open = true

	recv, closed := b.recv, b.closed
	fn := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case <-closed:
			return 0, net.ErrClosed
		case p := <-recv:
			sizes[0] = copy(packets[0], p.data)
			eps[0] = memEndpoint(p.from)
			return 1, nil
		}
	}
	return []conn.ReceiveFunc{fn}, port, nil
}

func (b *memBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	n := b.network
	n.mu.Lock()
	delete(n.binds, netip.AddrPortFrom(b.addr, b.port))
	n.mu.Unlock()
	close(b.closed)
	b.open = false
	return nil
}

func (b *memBind) SetMark(uint32) error { return nil }

func (b *memBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	dst, ok := ep.(memEndpoint)
	if !ok {
		return errors.New("foreign endpoint")
	}

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return net.ErrClosed
	}
	from := netip.AddrPortFrom(b.addr, b.port)
	filter := b.filter
	b.sent += len(bufs)
	b.mu.Unlock()

	for _, buf := range bufs {
		if filter != nil && !filter(buf) {
			continue
		}
		b.network.deliver(from, netip.AddrPort(dst), buf)
	}
	return nil
}

func (b *memBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return memEndpoint(ap), nil
}

func (b *memBind) BatchSize() int { return 1 }

var (
	serverEndpoint = "198.51.100.1:51820"
	serverTunIP    = netip.MustParseAddr("10.0.0.1")
)

type testNode struct {
	engine *Engine
	tun    *tuntest.ChannelTUN
	bind   *memBind
	key    NoisePrivateKey
}

func newTestNode(t *testing.T, network *memNetwork, addr string, clock Clock, opts Options) *testNode {
	t.Helper()

	key, err := NewPrivateKey()
	require.NoError(t, err)

	node := &testNode{
		tun:  tuntest.NewChannelTUN(),
		bind: network.newBind(addr),
		key:  key,
	}
	opts.Logger = hclog.NewNullLogger()
	opts.Clock = clock
	opts.Bind = node.bind
	opts.TUN = node.tun.TUN()
	node.engine, err = NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(node.engine.Close)
	return node
}

func (n *testNode) publicKey() NoisePublicKey {
	return n.key.PublicKey()
}

func (n *testNode) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.engine.Status().State == want
	}, 5*time.Second, 5*time.Millisecond, "engine never reached %v", want)
}

// send injects an IP packet as if an application wrote it to the TUN.
func (n *testNode) send(t *testing.T, packet []byte) {
	t.Helper()
	select {
	case n.tun.Outbound <- packet:
	case <-time.After(5 * time.Second):
		t.Fatal("engine is not reading from its TUN")
	}
}

// receive waits for the engine to write a packet to its TUN.
func (n *testNode) receive(t *testing.T) []byte {
	t.Helper()
	select {
	case packet := <-n.tun.Inbound:
		return packet
	case <-time.After(5 * time.Second):
		t.Fatal("no packet delivered to the TUN")
		return nil
	}
}

func (n *testNode) noReceive(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case packet := <-n.tun.Inbound:
		t.Fatalf("unexpected packet delivered to the TUN: %x", packet)
	case <-time.After(wait):
	}
}

// serveFor configures n as a responder on 198.51.100.1:51820 for clients,
// each owning the host prefix at the same position in ips.
func (n *testNode) serveFor(t *testing.T, clients []*testNode, ips []netip.Addr, psk NoisePresharedKey) {
	t.Helper()
	cfg := &Config{
		PrivateKey: n.key,
		Addresses:  []netip.Prefix{netip.PrefixFrom(serverTunIP, 24)},
		ListenPort: DefaultListenPort,
	}
	for i, client := range clients {
		cfg.Peers = append(cfg.Peers, PeerConfig{
			PublicKey:    client.publicKey(),
			PresharedKey: psk,
			AllowedIPs:   []netip.Prefix{netip.PrefixFrom(ips[i], 32)},
		})
	}
	require.NoError(t, n.engine.Serve(cfg))
}

// connectTo configures n as a client of server routing everything through it.
func (n *testNode) connectTo(t *testing.T, server *testNode, ip netip.Addr, psk NoisePresharedKey) {
	t.Helper()
	require.NoError(t, n.engine.Connect(&Config{
		PrivateKey: n.key,
		Addresses:  []netip.Prefix{netip.PrefixFrom(ip, 24)},
		Peers: []PeerConfig{{
			PublicKey:    server.publicKey(),
			PresharedKey: psk,
			Endpoint:     serverEndpoint,
			AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		}},
	}))
}

func TestMemBind(t *testing.T) {
	network := newMemNetwork()
	a := network.newBind("192.0.2.2")
	b := network.newBind("198.51.100.1")

	fnsA, portA, err := a.Open(0)
	require.NoError(t, err)
	require.NotZero(t, portA)
	fnsB, portB, err := b.Open(51820)
	require.NoError(t, err)
	require.Equal(t, uint16(51820), portB)

	_, _, err = network.newBind("198.51.100.1").Open(51820)
	require.Error(t, err)

	ep, err := a.ParseEndpoint("198.51.100.1:51820")
	require.NoError(t, err)
	require.NoError(t, a.Send([][]byte{{1, 2, 3}}, ep))

	packets := [][]byte{make([]byte, 16)}
	sizes := make([]int, 1)
	eps := make([]conn.Endpoint, 1)
	n, err := fnsB[0](packets, sizes, eps)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []byte{1, 2, 3}, packets[0][:sizes[0]])
	require.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("192.0.2.2"), portA).String(), eps[0].DstToString())

	require.NoError(t, a.Close())
	_, err = fnsA[0](packets, sizes, eps)
	require.ErrorIs(t, err, net.ErrClosed)
	require.NoError(t, b.Close())
}
