/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.zx2c4.com/wireguard/conn"
)

// PeerState is the connection state of a single peer.
type PeerState uint32

const (
	PeerIdle PeerState = iota
	PeerHandshakeInitiated
	PeerEstablished
	PeerExpiring
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerHandshakeInitiated:
		return "handshake-initiated"
	case PeerEstablished:
		return "established"
	case PeerExpiring:
		return "expiring"
	default:
		return fmt.Sprintf("PeerState(%d)", uint32(s))
	}
}

var errNoEndpoint = errors.New("no known endpoint for peer")

type peer struct {
	isRunning         atomic.Bool
	sync.RWMutex      // Is generally taken whenever we modify peer
	keypairs          keypairs
	handshake         handshake
	device            *Engine
	handle            peerHandle
	log               hclog.Logger
	endpoint          conn.Endpoint
	stopping          sync.WaitGroup // routines pending stop
	txBytes           atomic.Uint64  // bytes send to peer (endpoint)
	rxBytes           atomic.Uint64  // bytes received from peer
	lastHandshakeNano atomic.Int64   // nano seconds since epoch
	lifecycle         atomic.Uint32  // actually a PeerState
	abandoned         atomic.Bool    // last handshake attempt gave up
	backoff           *reconnectBackoff

	timers struct {
		retransmitHandshake     *wgTimer
		sendKeepalive           *wgTimer
		newHandshake            *wgTimer
		zeroKeyMaterial         *wgTimer
		persistentKeepalive     *wgTimer
		expireSession           *wgTimer
		reconnect               *wgTimer
		handshakeAttempts       atomic.Uint32
		needAnotherKeepalive    atomic.Bool
		sentLastMinuteHandshake atomic.Bool
	}

	state struct {
		sync.Mutex // protects against concurrent start/stop
		stop       chan struct{}
	}

	queue struct {
		staged   *boundedQueue[*queueOutboundElement] // staged packets before a handshake is available
		outbound *boundedQueue[*queueOutboundElement] // sequential ordering of udp transmission
		inbound  *boundedQueue[*queueInboundElement]  // sequential ordering of tun writing
	}

	cookieGenerator             cookieGenerator
	trieEntries                 list.List
	persistentKeepaliveInterval atomic.Uint32
}

func (e *Engine) newPeer(cfg PeerConfig) (*peer, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	var endpoint conn.Endpoint
	if cfg.Endpoint != "" {
		var err error
		endpoint, err = e.resolveEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidConfig, cfg.Endpoint, err)
		}
	}

	// lock resources
	e.staticIdentity.RLock()
	defer e.staticIdentity.RUnlock()

	if cfg.PublicKey.Equals(e.staticIdentity.publicKey) {
		return nil, fmt.Errorf("%w: peer public key is the local public key", ErrInvalidConfig)
	}

	return e.peers.insert(cfg.PublicKey, cfg.AllowedIPs, func(handle peerHandle) *peer {
		// create peer
		peer := new(peer)
		peer.device = e
		peer.handle = handle
		peer.endpoint = endpoint
		peer.cookieGenerator.Init(cfg.PublicKey, e.clock.Now)
		peer.backoff = newReconnectBackoff(e.backoff, e.clock)
		peer.queue.staged = newBoundedQueue(queueStagedSize, e.dropPolicy, e.dropOutbound)
		peer.queue.outbound = newBoundedQueue(queueOutboundSize, e.dropPolicy, e.dropOutbound)
		peer.queue.inbound = newBoundedQueue(queueInboundSize, e.dropPolicy, e.dropInbound)
		peer.persistentKeepaliveInterval.Store(uint32(cfg.PersistentKeepalive / time.Second))

		// pre-compute DH
		handshake := &peer.handshake
		handshake.mutex.Lock()
		handshake.precomputedStaticStatic = e.staticIdentity.privateKey.sharedSecret(cfg.PublicKey)
		handshake.remoteStatic = cfg.PublicKey
		handshake.presharedKey = cfg.PresharedKey
		handshake.mutex.Unlock()

		peer.log = e.log.With("peer", peer.String())

		// init timers
		peer.timersInit()
		return peer
	})
}

func (peer *peer) SendBuffers(buffers [][]byte) error {
	peer.device.net.RLock()
	defer peer.device.net.RUnlock()

	if peer.device.isClosed() {
		return nil
	}

	peer.RLock()
	endpoint := peer.endpoint
	peer.RUnlock()
	if endpoint == nil {
		return errNoEndpoint
	}

	err := peer.device.net.bind.Send(buffers, endpoint)
	if err == nil {
		var total uint64
		for _, buffer := range buffers {
			total += uint64(len(buffer))
		}
		peer.txBytes.Add(total)
	}
	return err
}

// SetEndpointFromPacket records where the last authenticated datagram came
// from so replies follow a roaming peer.
func (peer *peer) SetEndpointFromPacket(endpoint conn.Endpoint) {
	if endpoint == nil {
		return
	}
	peer.Lock()
	defer peer.Unlock()
	peer.endpoint = endpoint
}

func (peer *peer) endpointString() string {
	peer.RLock()
	defer peer.RUnlock()
	if peer.endpoint == nil {
		return ""
	}
	return peer.endpoint.DstToString()
}

func (peer *peer) String() string {
	// The awful goo that follows is identical to:
	//
	//   base64Key := base64.StdEncoding.EncodeToString(peer.handshake.remoteStatic[:])
	//   abbreviatedKey := base64Key[0:4] + "…" + base64Key[39:43]
	//   return fmt.Sprintf("peer(%s)", abbreviatedKey)
	//
	// except that it is considerably more efficient.
	src := peer.handshake.remoteStatic
	b64 := func(input byte) byte {
		return input + 'A' + byte(((25-int(input))>>8)&6) - byte(((51-int(input))>>8)&75) - byte(((61-int(input))>>8)&15) + byte(((62-int(input))>>8)&3)
	}
	b := []byte("peer(____…____)")
	const first = len("peer(")
	const second = len("peer(____…")
	b[first+0] = b64((src[0] >> 2) & 63)
	b[first+1] = b64(((src[0] << 4) | (src[1] >> 4)) & 63)
	b[first+2] = b64(((src[1] << 2) | (src[2] >> 6)) & 63)
	b[first+3] = b64(src[2] & 63)
	b[second+0] = b64(src[29] & 63)
	b[second+1] = b64((src[30] >> 2) & 63)
	b[second+2] = b64(((src[30] << 4) | (src[31] >> 4)) & 63)
	b[second+3] = b64((src[31] << 2) & 63)
	return string(b)
}

func (peer *peer) start() {
	// should never start a peer on a closed device
	if peer.device.isClosed() {
		return
	}

	// prevent simultaneous start/stop operations
	peer.state.Lock()
	defer peer.state.Unlock()

	if peer.isRunning.Load() {
		return
	}

	peer.log.Debug("starting")

	// reset routine state
	peer.stopping.Wait()
	peer.stopping.Add(2)

	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = peer.device.clock.Now().Add(-(rekeyTimeout + time.Second))
	peer.handshake.mutex.Unlock()

	peer.timersStart()

	peer.queue.inbound.flush()
	peer.queue.outbound.flush()
	peer.state.stop = make(chan struct{})
	go peer.routineSequentialSender(peer.state.stop)
	go peer.routineSequentialReceiver(peer.state.stop)

	peer.isRunning.Store(true)
}

func (peer *peer) zeroAndFlushAll() {
	device := peer.device

	// clear key pairs
	keypairs := &peer.keypairs
	keypairs.Lock()
	device.deleteKeypair(keypairs.previous)
	device.deleteKeypair(keypairs.current)
	device.deleteKeypair(keypairs.next.Load())
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next.Store(nil)
	keypairs.Unlock()

	// clear handshake state

	handshake := &peer.handshake
	handshake.mutex.Lock()
	device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.mutex.Unlock()

	peer.flushStagedPackets()
}

func (peer *peer) stop() {
	peer.state.Lock()
	defer peer.state.Unlock()

	if !peer.isRunning.Swap(false) {
		return
	}

	peer.log.Debug("stopping")

	peer.timersStop()
	// Signal that routineSequentialSender and routineSequentialReceiver should exit.
	close(peer.state.stop)
	peer.stopping.Wait()
	peer.queue.outbound.flush()
	peer.queue.inbound.flush()

	peer.zeroAndFlushAll()
	peer.abandoned.Store(false)
	peer.setLifecycle(PeerIdle)
}

func (peer *peer) currentState() PeerState {
	return PeerState(peer.lifecycle.Load())
}

// setLifecycle records a state transition and lets the engine recompute
// its aggregate status.
func (peer *peer) setLifecycle(s PeerState) {
	if PeerState(peer.lifecycle.Swap(uint32(s))) == s {
		return
	}
	peer.log.Debug("peer state changed", "state", s)
	peer.device.refreshStatus()
}

// hasSession reports whether the peer holds a confirmed, unexpired keypair.
func (peer *peer) hasSession() bool {
	current := peer.keypairs.Current()
	return current != nil && !current.expired(peer.device.clock.Now())
}

func (peer *peer) lastHandshake() time.Time {
	nano := peer.lastHandshakeNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// handshakeAbandoned is reached once retransmits ran out.
func (peer *peer) handshakeAbandoned() {
	peer.device.metrics.handshake(handshakeAbandoned)
	if peer.hasSession() {
		peer.setLifecycle(PeerEstablished)
		return
	}
	peer.abandoned.Store(true)
	peer.device.setLastError(fmt.Errorf("handshake with %v did not complete after %d attempts", peer, maxTimerHandshakes+2))
	peer.setLifecycle(PeerIdle)
	peer.timersHandshakeAbandoned()
}

// expireSession discards the confirmed keypairs once the current one is
// past its hard lifetime. An unconfirmed next keypair survives until its
// own lifetime ends so the initiator can still confirm it.
func (peer *peer) expireSession(now time.Time) {
	retrying := peer.timers.retransmitHandshake.IsPending()
	if peer.keypairs.Current() != nil {
		peer.log.Info("session expired", "after", rejectAfterTime)
		if !retrying {
			peer.setLifecycle(PeerExpiring)
		}
	}

	device := peer.device
	keypairs := &peer.keypairs
	keypairs.Lock()
	device.deleteKeypair(keypairs.previous)
	device.deleteKeypair(keypairs.current)
	keypairs.previous = nil
	keypairs.current = nil
	if next := keypairs.next.Load(); next != nil && next.expired(now) {
		device.deleteKeypair(next)
		keypairs.next.Store(nil)
	}
	keypairs.Unlock()

	if retrying {
		peer.setLifecycle(PeerHandshakeInitiated)
	} else {
		peer.setLifecycle(PeerIdle)
	}
	// the lifecycle may not have moved while the aggregate did
	device.refreshStatus()
}
