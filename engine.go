/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/ratelimiter"
	"golang.zx2c4.com/wireguard/tun"
)

// Role selects which side of the handshake an engine plays.
type Role uint32

const (
	roleUnset Role = iota
	// RoleInitiator connects to exactly one peer and owns reconnection.
	RoleInitiator
	// RoleResponder accepts any configured peer and never initiates.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unset"
	}
}

// State is the aggregate connection status reported to the control plane.
type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, state := range []State{StateIdle, StateConnecting, StateConnected, StateError} {
		if state.String() == s {
			return state, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", s)
}

// Options configures NewEngine. Only TUN is required.
type Options struct {
	Logger hclog.Logger
	Clock  Clock
	Bind   conn.Bind
	TUN    tun.Device

	// Registerer receives the engine's collectors when set.
	Registerer prometheus.Registerer

	// DropPolicy applies to the per-peer staged, outbound and inbound
	// queues. The handshake queue always drops the newest message.
	DropPolicy DropPolicy

	// HandshakeLoadThreshold is the handshake queue depth at which cookie
	// replies are required. Zero selects an eighth of the queue.
	HandshakeLoadThreshold int

	// Backoff spaces reconnect attempts after a client gives up on a
	// handshake.
	Backoff Backoff
}

// Status is a snapshot of the engine.
type Status struct {
	State         State
	Role          Role
	PublicKey     NoisePublicKey
	Addresses     []netip.Prefix
	ListenPort    uint16
	LastHandshake time.Time
	TxBytes       uint64
	RxBytes       uint64
	Error         string
}

// PeerStatus is a snapshot of one peer.
type PeerStatus struct {
	PublicKey           NoisePublicKey
	AllowedIPs          []netip.Prefix
	Endpoint            string
	HasSession          bool
	State               PeerState
	LastHandshake       time.Time
	TxBytes             uint64
	RxBytes             uint64
	PersistentKeepalive time.Duration
}

// StatusEvent is published whenever the aggregate State changes.
type StatusEvent struct {
	State    State
	Previous State
	Time     time.Time
	Error    string
}

// Engine is a WireGuard-compatible tunnel endpoint bound to one UDP socket
// and one TUN device.
type Engine struct {
	state struct {
		// state is the engine's deviceState, read through e.deviceState
		// without taking the mutex. It is stored before a transition runs,
		// so it names either the current state or the one being entered:
		// during up it already reads deviceStateUp even though up can
		// still fail. Readers that do not hold the mutex get advice only.
		state atomic.Uint32 // actually a deviceState, but typed uint32 for convenience
		// stopping blocks until all inputs to the engine have been closed.
		stopping sync.WaitGroup
		// The embedded mutex serializes state changes.
		sync.Mutex
	}

	net struct {
		stopping sync.WaitGroup
		sync.RWMutex
		bind conn.Bind // bind interface
		port uint16    // listening port
	}

	tun struct {
		device tun.Device
		mtu    atomic.Int32
	}

	staticIdentity struct {
		sync.RWMutex
		privateKey NoisePrivateKey
		publicKey  NoisePublicKey
	}

	peers      peerTable
	indexTable indexTable

	cookieChecker  cookieChecker
	cookieRotation *wgTimer

	rate struct {
		underLoadUntil atomic.Int64
		forced         atomic.Bool
		threshold      int
		limiter        ratelimiter.Ratelimiter
	}

	pool pools

	queue struct {
		handshake *handshakeQueue
	}

	timers     *timerQueue
	stopTimers chan struct{}

	roleValue atomic.Uint32 // actually a Role

	config struct {
		sync.RWMutex
		addresses []netip.Prefix
		mtu       int
	}

	status struct {
		sync.Mutex
		current     State
		lastError   string
		subscribers map[int]chan StatusEvent
		nextID      int
	}

	dropPolicy DropPolicy
	backoff    Backoff
	clock      Clock
	metrics    *metrics

	ipcMutex sync.RWMutex
	closed   chan struct{}
	log      hclog.Logger
}

// deviceState represents the state of an Engine.
// There are three states: down, up, closed.
// Transitions:
//
//	down -----+
//	  ↑↓      ↓
//	  up -> closed
type deviceState uint32

const (
	deviceStateDown deviceState = iota
	deviceStateUp
	deviceStateClosed
)

func (s deviceState) String() string {
	switch s {
	case deviceStateDown:
		return "Down"
	case deviceStateUp:
		return "Up"
	case deviceStateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("deviceState(%d)", uint32(s))
	}
}

// deviceState returns a snapshot of e.state.state.
func (e *Engine) deviceState() deviceState {
	return deviceState(e.state.state.Load())
}

// isClosed reports whether the engine is closed or closing.
func (e *Engine) isClosed() bool {
	return e.deviceState() == deviceStateClosed
}

// isUp reports whether the engine is up or coming up.
func (e *Engine) isUp() bool {
	return e.deviceState() == deviceStateUp
}

func (e *Engine) role() Role {
	return Role(e.roleValue.Load())
}

// changeState moves the engine to want, falling back to down when up fails.
func (e *Engine) changeState(want deviceState) (err error) {
	e.state.Lock()
	defer e.state.Unlock()
	old := e.deviceState()
	if old == deviceStateClosed {
		// once closed, always closed
		e.log.Debug("engine closed, ignored requested state", "state", want)
		return nil
	}
	switch want {
	case old:
		return nil
	case deviceStateUp:
		e.state.state.Store(uint32(deviceStateUp))
		err = e.upLocked()
		if err == nil {
			break
		}
		fallthrough // up failed; bring the engine all the way back down
	case deviceStateDown:
		e.state.state.Store(uint32(deviceStateDown))
		errDown := e.downLocked()
		if err == nil {
			err = errDown
		}
	}
	e.log.Debug("engine state changed", "was", old, "requested", want, "now", e.deviceState())
	return
}

// upLocked opens the bind and starts every peer. The caller holds the
// e.state mutex and has already stored the new e.state.state.
func (e *Engine) upLocked() error {
	if err := e.bindUpdate(); err != nil {
		e.log.Error("unable to update bind", "error", err)
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	for _, peer := range e.peers.all() {
		peer.start()
		if peer.persistentKeepaliveInterval.Load() > 0 {
			peer.sendKeepalive()
		}
	}
	e.cookieRotation.Mod(cookieRefreshTime)
	return nil
}

// downLocked closes the bind and stops every peer. The caller holds the
// e.state mutex and has already stored the new e.state.state.
func (e *Engine) downLocked() error {
	err := e.bindClose()
	if err != nil {
		e.log.Debug("bind close failed", "error", err)
	}

	e.cookieRotation.Del()
	for _, peer := range e.peers.all() {
		peer.stop()
	}
	return err
}

func (e *Engine) up() error {
	return e.changeState(deviceStateUp)
}

func (e *Engine) down() error {
	return e.changeState(deviceStateDown)
}

// NewEngine builds an engine around a TUN device. The engine stays idle
// until Connect or Serve.
func NewEngine(opts Options) (*Engine, error) {
	if opts.TUN == nil {
		return nil, fmt.Errorf("%w: a TUN device is required", ErrInvalidConfig)
	}

	e := new(Engine)
	e.log = opts.Logger
	if e.log == nil {
		e.log = hclog.New(&hclog.LoggerOptions{
			Name:  "tunnelguard",
			Level: hclog.Info,
		})
	}
	e.clock = opts.Clock
	if e.clock == nil {
		e.clock = SystemClock()
	}
	e.net.bind = opts.Bind
	if e.net.bind == nil {
		e.net.bind = conn.NewDefaultBind()
	}
	e.tun.device = opts.TUN
	mtu, err := opts.TUN.MTU()
	if err != nil || mtu <= 0 {
		mtu = DefaultMTU
	}
	e.tun.mtu.Store(int32(mtu))

	e.dropPolicy = opts.DropPolicy
	e.backoff = opts.Backoff.withDefaults()
	e.rate.threshold = opts.HandshakeLoadThreshold
	if e.rate.threshold <= 0 {
		e.rate.threshold = queueHandshakeSize / 8
	}
	e.metrics = newMetrics(opts.Registerer)

	e.state.state.Store(uint32(deviceStateDown))
	e.closed = make(chan struct{})
	e.status.subscribers = make(map[int]chan StatusEvent)
	e.populatePools()
	e.peers.init()
	e.indexTable.Init()
	e.cookieChecker.Init(NoisePublicKey{}, e.clock.Now)
	e.rate.limiter.Init()

	// create queues and timers

	e.queue.handshake = newHandshakeQueue(e.dropHandshake)
	e.timers = newTimerQueue(e.clock)
	e.cookieRotation = e.timers.newTimer(peerHandle{}, timerRotateCookie)
	e.stopTimers = make(chan struct{})

	// start workers

	e.state.stopping.Add(handshakeWorkers + 2)
	for i := 0; i < handshakeWorkers; i++ {
		go e.routineHandshake(i + 1)
	}
	go e.routineTimers()
	go e.routineReadFromTUN()
	go e.routineTUNEventReader()

	return e, nil
}

func (e *Engine) routineTimers() {
	defer func() {
		e.log.Trace("routine: timers - stopped")
		e.state.stopping.Done()
	}()
	e.log.Trace("routine: timers - started")
	e.timers.run(e.stopTimers, e.fireTimer)
}

func (e *Engine) routineTUNEventReader() {
	for event := range e.tun.device.Events() {
		if event&tun.EventMTUUpdate != 0 {
			e.config.RLock()
			pinned := e.config.mtu > 0
			e.config.RUnlock()
			if mtu, err := e.tun.device.MTU(); err == nil && mtu > 0 && !pinned {
				e.log.Debug("MTU updated", "mtu", mtu)
				e.tun.mtu.Store(int32(mtu))
			}
		}
		if event&tun.EventUp != 0 {
			e.log.Debug("TUN interface is up")
		}
		if event&tun.EventDown != 0 {
			e.log.Debug("TUN interface is down")
		}
	}
}

func (e *Engine) setPrivateKey(sk NoisePrivateKey) {
	// lock required resources

	e.staticIdentity.Lock()
	defer e.staticIdentity.Unlock()

	// update key material

	publicKey := sk.PublicKey()
	e.staticIdentity.privateKey = sk
	e.staticIdentity.publicKey = publicKey
	e.cookieChecker.Init(publicKey, e.clock.Now)

	// do static-static DH pre-computations

	for _, peer := range e.peers.all() {
		handshake := &peer.handshake
		handshake.mutex.Lock()
		handshake.precomputedStaticStatic = e.staticIdentity.privateKey.sharedSecret(handshake.remoteStatic)
		handshake.mutex.Unlock()
	}
}

// PublicKey returns the engine's static public key.
func (e *Engine) PublicKey() NoisePublicKey {
	e.staticIdentity.RLock()
	defer e.staticIdentity.RUnlock()
	return e.staticIdentity.publicKey
}

// Connect configures the engine as a client of the single peer in cfg and
// starts the first handshake. A previous configuration is torn down first.
func (e *Engine) Connect(cfg *Config) error {
	if err := cfg.Validate(RoleInitiator); err != nil {
		return err
	}
	return e.configure(RoleInitiator, cfg)
}

// Serve configures the engine as a responder for every peer in cfg.
func (e *Engine) Serve(cfg *Config) error {
	if err := cfg.Validate(RoleResponder); err != nil {
		return err
	}
	return e.configure(RoleResponder, cfg)
}

func (e *Engine) configure(role Role, cfg *Config) error {
	e.ipcMutex.Lock()
	defer e.ipcMutex.Unlock()

	if e.isClosed() {
		return ErrEngineClosed
	}

	// resolve everything that can fail before touching state
	for _, pc := range cfg.Peers {
		if pc.Endpoint == "" {
			continue
		}
		if _, err := e.resolveEndpoint(pc.Endpoint); err != nil {
			return fmt.Errorf("%w: endpoint %q: %v", ErrInvalidConfig, pc.Endpoint, err)
		}
	}

	if err := e.down(); err != nil {
		e.log.Debug("error bringing engine down for reconfiguration", "error", err)
	}
	e.removeAllPeersLocked()
	e.setLastError(nil)

	e.roleValue.Store(uint32(role))
	e.setPrivateKey(cfg.PrivateKey)

	e.config.Lock()
	e.config.addresses = append([]netip.Prefix(nil), cfg.Addresses...)
	e.config.mtu = cfg.MTU
	e.config.Unlock()
	if cfg.MTU > 0 {
		e.tun.mtu.Store(int32(cfg.MTU))
	}

	e.net.Lock()
	e.net.port = cfg.ListenPort
	e.net.Unlock()

	for _, pc := range cfg.Peers {
		if _, err := e.newPeer(pc); err != nil {
			e.removeAllPeersLocked()
			e.roleValue.Store(uint32(roleUnset))
			e.refreshStatus()
			return err
		}
	}

	e.log.Info("configured", "role", role, "peers", len(cfg.Peers), "listen_port", cfg.ListenPort)

	if err := e.up(); err != nil {
		e.setLastError(err)
		e.refreshStatus()
		return err
	}

	if role == RoleInitiator {
		for _, peer := range e.peers.all() {
			peer.sendHandshakeInitiation(false)
		}
	}
	e.refreshStatus()
	return nil
}

// Disconnect tears down every session and peer and leaves the engine idle.
func (e *Engine) Disconnect() error {
	e.ipcMutex.Lock()
	defer e.ipcMutex.Unlock()

	if e.isClosed() {
		return ErrEngineClosed
	}

	err := e.down()
	e.removeAllPeersLocked()
	e.roleValue.Store(uint32(roleUnset))
	e.setLastError(nil)
	e.refreshStatus()
	e.log.Info("disconnected")
	return err
}

// AddPeer adds a peer to a running configuration.
func (e *Engine) AddPeer(cfg PeerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.ipcMutex.Lock()
	defer e.ipcMutex.Unlock()

	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.peers.lookupKey(cfg.PublicKey) != nil {
		return ErrDuplicatePeer
	}
	if e.role() == RoleInitiator && e.peers.len() > 0 {
		return ErrInitiatorSinglePeer
	}
	if e.role() == RoleInitiator && cfg.Endpoint == "" {
		return fmt.Errorf("%w: peer %s has no endpoint", ErrInvalidConfig, cfg.PublicKey)
	}

	peer, err := e.newPeer(cfg)
	if err != nil {
		return err
	}
	peer.log.Info("peer added")

	if e.isUp() {
		peer.start()
		if peer.persistentKeepaliveInterval.Load() > 0 {
			peer.sendKeepalive()
		}
		if e.role() == RoleInitiator {
			peer.sendHandshakeInitiation(false)
		}
	}
	e.refreshStatus()
	return nil
}

// RemovePeer removes a peer and reports whether it had a session.
func (e *Engine) RemovePeer(pk NoisePublicKey) (hadSession bool, err error) {
	e.ipcMutex.Lock()
	defer e.ipcMutex.Unlock()

	if e.isClosed() {
		return false, ErrEngineClosed
	}
	return e.removePeerLocked(pk)
}

func (e *Engine) removePeerLocked(pk NoisePublicKey) (bool, error) {
	peer := e.peers.remove(pk, func(p *peer) {
		e.timers.cancelHandle(p.handle)
	})
	if peer == nil {
		return false, ErrPeerNotFound
	}

	hadSession := peer.hasSession()
	peer.stop()
	e.indexTable.DeletePeer(peer)
	peer.log.Info("peer removed", "had_session", hadSession)
	e.refreshStatus()
	return hadSession, nil
}

func (e *Engine) removeAllPeersLocked() {
	for _, peer := range e.peers.all() {
		e.removePeerLocked(peer.handshake.remoteStatic)
	}
}

func (e *Engine) peerStatus(peer *peer) PeerStatus {
	return PeerStatus{
		PublicKey:           peer.handshake.remoteStatic,
		AllowedIPs:          e.peers.allowedIPsFor(peer),
		Endpoint:            peer.endpointString(),
		HasSession:          peer.hasSession(),
		State:               peer.currentState(),
		LastHandshake:       peer.lastHandshake(),
		TxBytes:             peer.txBytes.Load(),
		RxBytes:             peer.rxBytes.Load(),
		PersistentKeepalive: time.Duration(peer.persistentKeepaliveInterval.Load()) * time.Second,
	}
}

// Peers lists every peer, or only the one matching filter when it is set.
func (e *Engine) Peers(filter *NoisePublicKey) []PeerStatus {
	e.ipcMutex.RLock()
	defer e.ipcMutex.RUnlock()

	var peers []PeerStatus
	for _, peer := range e.peers.all() {
		if filter != nil && !filter.Equals(peer.handshake.remoteStatic) {
			continue
		}
		peers = append(peers, e.peerStatus(peer))
	}
	return peers
}

// Status returns the aggregate state and counters.
func (e *Engine) Status() Status {
	e.ipcMutex.RLock()
	defer e.ipcMutex.RUnlock()

	status := Status{
		Role:      e.role(),
		PublicKey: e.PublicKey(),
	}

	e.status.Lock()
	status.State = e.computeStatusLocked()
	status.Error = e.status.lastError
	e.status.Unlock()

	e.config.RLock()
	status.Addresses = append([]netip.Prefix(nil), e.config.addresses...)
	e.config.RUnlock()

	e.net.RLock()
	status.ListenPort = e.net.port
	e.net.RUnlock()

	for _, peer := range e.peers.all() {
		status.TxBytes += peer.txBytes.Load()
		status.RxBytes += peer.rxBytes.Load()
		if last := peer.lastHandshake(); last.After(status.LastHandshake) {
			status.LastHandshake = last
		}
	}
	return status
}

// SetUnderLoad pins the engine into cookie mode: every handshake message
// needs a valid MAC2, otherwise a cookie reply is sent.
func (e *Engine) SetUnderLoad(underLoad bool) {
	e.rate.forced.Store(underLoad)
}

// Subscribe returns a channel of status changes. Slow subscribers miss
// events rather than block the engine. cancel closes the channel.
func (e *Engine) Subscribe() (events <-chan StatusEvent, cancel func()) {
	ch := make(chan StatusEvent, queueSubscriberSize)

	e.status.Lock()
	id := e.status.nextID
	e.status.nextID++
	if e.isClosed() {
		close(ch)
	} else {
		e.status.subscribers[id] = ch
	}
	e.status.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.status.Lock()
			defer e.status.Unlock()
			if _, ok := e.status.subscribers[id]; ok {
				delete(e.status.subscribers, id)
				close(ch)
			}
		})
	}
}

func (e *Engine) setLastError(err error) {
	e.status.Lock()
	defer e.status.Unlock()
	if err == nil {
		e.status.lastError = ""
		return
	}
	e.status.lastError = err.Error()
}

// computeStatusLocked derives the aggregate state. The caller holds
// e.status.
func (e *Engine) computeStatusLocked() State {
	if !e.isUp() {
		if e.status.lastError != "" {
			return StateError
		}
		return StateIdle
	}

	peers := e.peers.all()
	switch e.role() {
	case RoleInitiator:
		if len(peers) == 0 {
			return StateIdle
		}
		peer := peers[0]
		switch {
		case peer.hasSession():
			return StateConnected
		case peer.currentState() == PeerHandshakeInitiated:
			return StateConnecting
		case peer.abandoned.Load():
			return StateError
		}
		return StateIdle
	case RoleResponder:
		for _, peer := range peers {
			if peer.hasSession() {
				return StateConnected
			}
		}
	}
	return StateIdle
}

// refreshStatus recomputes the aggregate state and publishes a change.
func (e *Engine) refreshStatus() {
	e.status.Lock()
	defer e.status.Unlock()

	sessions := 0
	for _, peer := range e.peers.all() {
		if peer.hasSession() {
			sessions++
		}
	}
	e.metrics.sessions.Set(float64(sessions))

	state := e.computeStatusLocked()
	if state == e.status.current {
		return
	}
	event := StatusEvent{
		State:    state,
		Previous: e.status.current,
		Time:     e.clock.Now(),
		Error:    e.status.lastError,
	}
	e.status.current = state
	e.log.Info("status changed", "from", event.Previous, "to", state)

	for _, ch := range e.status.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *Engine) resolveEndpoint(s string) (conn.Endpoint, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return e.net.bind.ParseEndpoint(ap.String())
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, err
	}
	return e.net.bind.ParseEndpoint(addr.AddrPort().String())
}

// Wait returns a channel that closes once the engine is closed.
func (e *Engine) Wait() chan struct{} {
	return e.closed
}

// Close shuts the engine down for good, including the TUN device.
func (e *Engine) Close() {
	e.ipcMutex.Lock()
	defer e.ipcMutex.Unlock()
	e.state.Lock()
	defer e.state.Unlock()
	if e.isClosed() {
		return
	}
	e.state.state.Store(uint32(deviceStateClosed))
	e.log.Info("engine closing")

	e.tun.device.Close()
	e.downLocked()

	// Remove peers before closing queues,
	// because peers assume that queues are active.
	e.removeAllPeersLocked()
	e.rate.limiter.Close()

	// No receive routine is left; the handshake queue drains and closes.
	e.queue.handshake.wg.Done()
	close(e.stopTimers)

	e.state.stopping.Wait()

	e.status.Lock()
	for id, ch := range e.status.subscribers {
		delete(e.status.subscribers, id)
		close(ch)
	}
	e.status.Unlock()

	e.log.Info("engine closed")
	close(e.closed)
}

func (e *Engine) bindUpdate() error {
	e.net.Lock()
	defer e.net.Unlock()

	// close existing sockets
	if err := closeBindLocked(e); err != nil {
		return err
	}

	// open new sockets
	if !e.isUp() {
		return nil
	}

	recvFns, port, err := e.net.bind.Open(e.net.port)
	if err != nil {
		return err
	}
	e.net.port = port

	// clear cached source addresses
	for _, peer := range e.peers.all() {
		peer.Lock()
		if peer.endpoint != nil {
			peer.endpoint.ClearSrc()
		}
		peer.Unlock()
	}

	// start receiving routines
	e.net.stopping.Add(len(recvFns))
	e.queue.handshake.wg.Add(len(recvFns)) // each routineReceiveIncoming goroutine writes to the handshake queue
	batchSize := e.net.bind.BatchSize()
	for _, fn := range recvFns {
		go e.routineReceiveIncoming(batchSize, fn)
	}

	e.log.Info("UDP bind has been updated", "port", port)
	return nil
}

func (e *Engine) bindClose() error {
	e.net.Lock()
	err := closeBindLocked(e)
	e.net.Unlock()
	return err
}

func closeBindLocked(e *Engine) error {
	var err error
	netc := &e.net
	if netc.bind != nil {
		err = netc.bind.Close()
	}
	netc.stopping.Wait()
	return err
}
