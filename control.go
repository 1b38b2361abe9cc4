/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.zx2c4.com/wireguard/ipc"
)

const (
	opConnect    = "connect"
	opServe      = "serve"
	opDisconnect = "disconnect"
	opStatus     = "status"
	opAddPeer    = "add_peer"
	opRemovePeer = "remove_peer"
	opListPeers  = "list_peers"
	opSubscribe  = "subscribe"
)

// ControlServer exposes an Engine over the line-oriented control protocol.
// Each request is an "<op>=1" line followed by key=value lines and a blank
// line. Each response ends with "errno=N" and a blank line.
type ControlServer struct {
	engine *Engine
	log    hclog.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewControlServer returns a server for engine.
func NewControlServer(engine *Engine, logger hclog.Logger) *ControlServer {
	if logger == nil {
		logger = engine.log
	}
	return &ControlServer{
		engine:    engine,
		log:       logger.Named("control"),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until l fails or the server is closed.
func (s *ControlServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(c)
		}()
	}
}

func (s *ControlServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every listener and connection and waits for handlers.
func (s *ControlServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for l := range s.listeners {
		err = errors.Join(err, l.Close())
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// ServeConn handles requests on c until it is closed.
func (s *ControlServer) ServeConn(c net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	r := bufio.NewReader(c)
	for {
		pairs, err := readUAPIBlock(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("failed to read request", "error", err)
				writeResponse(c, nil, err)
			}
			return
		}
		if len(pairs) == 0 {
			continue
		}

		op := pairs[0]
		if op.value != "1" {
			writeResponse(c, nil, ipcErrorf(ipc.IpcErrorProtocol, "invalid operation line %s=%s", op.key, op.value))
			return
		}
		if op.key == opSubscribe {
			s.subscribe(c, r)
			return
		}

		resp, err := s.handle(op.key, pairs[1:])
		if err != nil {
			s.log.Debug("request failed", "op", op.key, "error", err)
		}
		if err := writeResponse(c, resp, err); err != nil {
			s.log.Debug("failed to write response", "op", op.key, "error", err)
			return
		}
	}
}

func writeResponse(w io.Writer, pairs []uapiPair, err error) error {
	if status := toIPCError(err); status != nil {
		pairs = append(pairs,
			uapiPair{key: "message", value: status.err.Error()},
			uapiPair{key: "errno", value: strconv.FormatInt(-status.ErrorCode(), 10)},
		)
	} else {
		pairs = append(pairs, uapiPair{key: "errno", value: "0"})
	}
	return writeUAPIBlock(w, pairs)
}

func (s *ControlServer) handle(op string, args []uapiPair) ([]uapiPair, error) {
	switch op {
	case opConnect, opServe:
		cfg, err := configFromUAPI(args)
		if err != nil {
			return nil, err
		}
		if op == opConnect {
			return nil, s.engine.Connect(cfg)
		}
		return nil, s.engine.Serve(cfg)

	case opDisconnect:
		return nil, s.engine.Disconnect()

	case opStatus:
		return statusToUAPI(s.engine.Status()), nil

	case opAddPeer:
		pc, err := singlePeerFromUAPI(args)
		if err != nil {
			return nil, err
		}
		err = s.engine.AddPeer(*pc)
		switch {
		case errors.Is(err, ErrDuplicatePeer):
			return []uapiPair{{key: "result", value: "duplicate"}}, nil
		case err != nil:
			return nil, err
		}
		return []uapiPair{{key: "result", value: "accepted"}}, nil

	case opRemovePeer:
		pk, err := publicKeyFromUAPI(args)
		if err != nil {
			return nil, err
		}
		if pk == nil {
			return nil, ipcErrorf(ipc.IpcErrorInvalid, "remove_peer requires public_key")
		}
		hadSession, err := s.engine.RemovePeer(*pk)
		switch {
		case errors.Is(err, ErrPeerNotFound):
			return []uapiPair{{key: "result", value: "not_found"}}, nil
		case err != nil:
			return nil, err
		}
		return []uapiPair{
			{key: "result", value: "removed"},
			{key: "had_session", value: strconv.FormatBool(hadSession)},
		}, nil

	case opListPeers:
		filter, err := publicKeyFromUAPI(args)
		if err != nil {
			return nil, err
		}
		var pairs []uapiPair
		for _, ps := range s.engine.Peers(filter) {
			pairs = append(pairs, peerStatusToUAPI(ps)...)
		}
		return pairs, nil

	default:
		return nil, ipcErrorf(ipc.IpcErrorInvalid, "unknown operation %q", op)
	}
}

// subscribe streams status events on c until either side goes away.
func (s *ControlServer) subscribe(c net.Conn, r *bufio.Reader) {
	events, cancel := s.engine.Subscribe()
	defer cancel()

	if err := writeResponse(c, nil, nil); err != nil {
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		io.Copy(io.Discard, r)
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeUAPIBlock(c, eventToUAPI(event)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func singlePeerFromUAPI(args []uapiPair) (*PeerConfig, error) {
	if len(args) == 0 || args[0].key != "public_key" {
		return nil, ipcErrorf(ipc.IpcErrorInvalid, "add_peer must start with public_key")
	}
	cfg, err := configFromUAPI(args)
	if err != nil {
		return nil, err
	}
	if len(cfg.Peers) != 1 {
		return nil, ipcErrorf(ipc.IpcErrorInvalid, "add_peer takes exactly one peer")
	}
	return &cfg.Peers[0], nil
}

func publicKeyFromUAPI(args []uapiPair) (*NoisePublicKey, error) {
	var pk *NoisePublicKey
	for _, p := range args {
		if p.key != "public_key" {
			return nil, ipcErrorf(ipc.IpcErrorInvalid, "invalid key %v", p.key)
		}
		pk = new(NoisePublicKey)
		if err := pk.FromHex(p.value); err != nil {
			return nil, ipcErrorf(ipc.IpcErrorInvalid, "failed to parse public_key: %w", err)
		}
	}
	return pk, nil
}

func appendHandshakeTime(pairs []uapiPair, t time.Time) []uapiPair {
	var sec, nsec int64
	if !t.IsZero() {
		sec, nsec = t.Unix(), int64(t.Nanosecond())
	}
	return append(pairs,
		uapiPair{key: "last_handshake_time_sec", value: strconv.FormatInt(sec, 10)},
		uapiPair{key: "last_handshake_time_nsec", value: strconv.FormatInt(nsec, 10)},
	)
}

func statusToUAPI(status Status) []uapiPair {
	pairs := []uapiPair{
		{key: "state", value: status.State.String()},
		{key: "role", value: status.Role.String()},
		{key: "public_key", value: status.PublicKey.hex()},
		{key: "listen_port", value: strconv.FormatUint(uint64(status.ListenPort), 10)},
	}
	for _, prefix := range status.Addresses {
		pairs = append(pairs, uapiPair{key: "address", value: prefix.String()})
	}
	pairs = appendHandshakeTime(pairs, status.LastHandshake)
	pairs = append(pairs,
		uapiPair{key: "tx_bytes", value: strconv.FormatUint(status.TxBytes, 10)},
		uapiPair{key: "rx_bytes", value: strconv.FormatUint(status.RxBytes, 10)},
	)
	if status.Error != "" {
		pairs = append(pairs, uapiPair{key: "error", value: status.Error})
	}
	return pairs
}

func peerStatusToUAPI(ps PeerStatus) []uapiPair {
	pairs := []uapiPair{{key: "public_key", value: ps.PublicKey.hex()}}
	for _, prefix := range ps.AllowedIPs {
		pairs = append(pairs, uapiPair{key: "allowed_ip", value: prefix.String()})
	}
	if ps.Endpoint != "" {
		pairs = append(pairs, uapiPair{key: "endpoint", value: ps.Endpoint})
	}
	pairs = append(pairs,
		uapiPair{key: "has_session", value: strconv.FormatBool(ps.HasSession)},
		uapiPair{key: "state", value: ps.State.String()},
	)
	pairs = appendHandshakeTime(pairs, ps.LastHandshake)
	return append(pairs,
		uapiPair{key: "tx_bytes", value: strconv.FormatUint(ps.TxBytes, 10)},
		uapiPair{key: "rx_bytes", value: strconv.FormatUint(ps.RxBytes, 10)},
		uapiPair{key: "persistent_keepalive_interval", value: strconv.FormatInt(int64(ps.PersistentKeepalive/time.Second), 10)},
	)
}

func eventToUAPI(event StatusEvent) []uapiPair {
	pairs := []uapiPair{
		{key: "event", value: event.State.String()},
		{key: "previous", value: event.Previous.String()},
		{key: "time_unix_nano", value: strconv.FormatInt(event.Time.UnixNano(), 10)},
	}
	if event.Error != "" {
		pairs = append(pairs, uapiPair{key: "error", value: event.Error})
	}
	return pairs
}

// ControlError is a failed control request as seen by a client.
type ControlError struct {
	Errno   int64
	Message string
}

func (e *ControlError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control request failed: errno %d", e.Errno)
	}
	return fmt.Sprintf("control request failed: errno %d: %s", e.Errno, e.Message)
}

// ControlClient speaks the control protocol. It is safe for concurrent use,
// but Subscribe dedicates the connection to events.
type ControlClient struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewControlClient wraps an established connection.
func NewControlClient(c net.Conn) *ControlClient {
	return &ControlClient{conn: c, r: bufio.NewReader(c)}
}

// DialControl connects to a control server.
func DialControl(network, address string) (*ControlClient, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewControlClient(c), nil
}

func (c *ControlClient) Close() error {
	return c.conn.Close()
}

func (c *ControlClient) roundTrip(op string, args []uapiPair) ([]uapiPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := append([]uapiPair{{key: op, value: "1"}}, args...)
	if err := writeUAPIBlock(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := readUAPIBlock(c.r)
	if err != nil {
		return nil, err
	}
	return splitResponse(resp)
}

// splitResponse strips the trailing errno and message pairs.
func splitResponse(resp []uapiPair) ([]uapiPair, error) {
	if len(resp) == 0 || resp[len(resp)-1].key != "errno" {
		return nil, ipcErrorf(ipc.IpcErrorProtocol, "response without errno")
	}
	errno, err := strconv.ParseInt(resp[len(resp)-1].value, 10, 64)
	if err != nil {
		return nil, ipcErrorf(ipc.IpcErrorProtocol, "invalid errno: %w", err)
	}
	resp = resp[:len(resp)-1]
	if errno == 0 {
		return resp, nil
	}
	cerr := &ControlError{Errno: errno}
	if n := len(resp); n > 0 && resp[n-1].key == "message" {
		cerr.Message = resp[n-1].value
	}
	return nil, cerr
}

// Connect asks the engine to act as a client of cfg's single peer.
func (c *ControlClient) Connect(cfg *Config) error {
	_, err := c.roundTrip(opConnect, configToUAPI(cfg))
	return err
}

// Serve asks the engine to act as a responder.
func (c *ControlClient) Serve(cfg *Config) error {
	_, err := c.roundTrip(opServe, configToUAPI(cfg))
	return err
}

func (c *ControlClient) Disconnect() error {
	_, err := c.roundTrip(opDisconnect, nil)
	return err
}

func (c *ControlClient) Status() (Status, error) {
	resp, err := c.roundTrip(opStatus, nil)
	if err != nil {
		return Status{}, err
	}
	var status Status
	var sec, nsec int64
	for _, p := range resp {
		switch p.key {
		case "state":
			status.State, err = ParseState(p.value)
		case "role":
			status.Role = parseRole(p.value)
		case "public_key":
			err = status.PublicKey.FromHex(p.value)
		case "listen_port":
			var port uint64
			port, err = strconv.ParseUint(p.value, 10, 16)
			status.ListenPort = uint16(port)
		case "address":
			prefix, perr := parsePrefix(p.value)
			err = perr
			status.Addresses = append(status.Addresses, prefix)
		case "last_handshake_time_sec":
			sec, err = strconv.ParseInt(p.value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, err = strconv.ParseInt(p.value, 10, 64)
		case "tx_bytes":
			status.TxBytes, err = strconv.ParseUint(p.value, 10, 64)
		case "rx_bytes":
			status.RxBytes, err = strconv.ParseUint(p.value, 10, 64)
		case "error":
			status.Error = p.value
		}
		if err != nil {
			return Status{}, ipcErrorf(ipc.IpcErrorProtocol, "invalid %s: %w", p.key, err)
		}
	}
	if sec != 0 || nsec != 0 {
		status.LastHandshake = time.Unix(sec, nsec)
	}
	return status, nil
}

// AddPeer reports false when the peer already exists.
func (c *ControlClient) AddPeer(pc PeerConfig) (accepted bool, err error) {
	resp, err := c.roundTrip(opAddPeer, peerConfigToUAPI(&pc))
	if err != nil {
		return false, err
	}
	for _, p := range resp {
		if p.key == "result" {
			return p.value == "accepted", nil
		}
	}
	return false, ipcErrorf(ipc.IpcErrorProtocol, "add_peer response without result")
}

// RemovePeer reports whether the peer existed and whether it had a session.
func (c *ControlClient) RemovePeer(pk NoisePublicKey) (removed, hadSession bool, err error) {
	resp, err := c.roundTrip(opRemovePeer, []uapiPair{{key: "public_key", value: pk.hex()}})
	if err != nil {
		return false, false, err
	}
	for _, p := range resp {
		switch p.key {
		case "result":
			removed = p.value == "removed"
		case "had_session":
			hadSession = p.value == "true"
		}
	}
	return removed, hadSession, nil
}

// ListPeers lists every peer, or only filter when it is set.
func (c *ControlClient) ListPeers(filter *NoisePublicKey) ([]PeerStatus, error) {
	var args []uapiPair
	if filter != nil {
		args = append(args, uapiPair{key: "public_key", value: filter.hex()})
	}
	resp, err := c.roundTrip(opListPeers, args)
	if err != nil {
		return nil, err
	}

	var peers []PeerStatus
	var current *PeerStatus
	var sec, nsec int64
	finish := func() {
		if current != nil && (sec != 0 || nsec != 0) {
			current.LastHandshake = time.Unix(sec, nsec)
		}
		sec, nsec = 0, 0
	}
	for _, p := range resp {
		if p.key == "public_key" {
			finish()
			peers = append(peers, PeerStatus{})
			current = &peers[len(peers)-1]
			err = current.PublicKey.FromHex(p.value)
		} else if current == nil {
			err = errors.New("field before public_key")
		} else {
			switch p.key {
			case "allowed_ip":
				prefix, perr := parsePrefix(p.value)
				err = perr
				current.AllowedIPs = append(current.AllowedIPs, prefix)
			case "endpoint":
				current.Endpoint = p.value
			case "has_session":
				current.HasSession, err = strconv.ParseBool(p.value)
			case "state":
				current.State = parsePeerState(p.value)
			case "last_handshake_time_sec":
				sec, err = strconv.ParseInt(p.value, 10, 64)
			case "last_handshake_time_nsec":
				nsec, err = strconv.ParseInt(p.value, 10, 64)
			case "tx_bytes":
				current.TxBytes, err = strconv.ParseUint(p.value, 10, 64)
			case "rx_bytes":
				current.RxBytes, err = strconv.ParseUint(p.value, 10, 64)
			case "persistent_keepalive_interval":
				var secs int64
				secs, err = strconv.ParseInt(p.value, 10, 64)
				current.PersistentKeepalive = time.Duration(secs) * time.Second
			}
		}
		if err != nil {
			return nil, ipcErrorf(ipc.IpcErrorProtocol, "invalid %s: %w", p.key, err)
		}
	}
	finish()
	return peers, nil
}

// Subscribe streams status events until ctx is done or the connection
// fails. The client cannot issue other requests afterwards.
func (c *ControlClient) Subscribe(ctx context.Context) (<-chan StatusEvent, error) {
	if _, err := c.roundTrip(opSubscribe, nil); err != nil {
		return nil, err
	}

	events := make(chan StatusEvent, queueSubscriberSize)
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	go func() {
		defer close(events)
		defer stop()
		for {
			pairs, err := readUAPIBlock(c.r)
			if err != nil {
				return
			}
			event, ok := eventFromUAPI(pairs)
			if !ok {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func eventFromUAPI(pairs []uapiPair) (StatusEvent, bool) {
	var event StatusEvent
	ok := false
	for _, p := range pairs {
		switch p.key {
		case "event":
			state, err := ParseState(p.value)
			if err != nil {
				return event, false
			}
			event.State, ok = state, true
		case "previous":
			event.Previous, _ = ParseState(p.value)
		case "time_unix_nano":
			if n, err := strconv.ParseInt(p.value, 10, 64); err == nil {
				event.Time = time.Unix(0, n)
			}
		case "error":
			event.Error = p.value
		}
	}
	return event, ok
}

func parseRole(s string) Role {
	switch s {
	case RoleInitiator.String():
		return RoleInitiator
	case RoleResponder.String():
		return RoleResponder
	}
	return roleUnset
}

func parsePeerState(s string) PeerState {
	for _, state := range []PeerState{PeerIdle, PeerHandshakeInitiated, PeerEstablished, PeerExpiring} {
		if state.String() == s {
			return state
		}
	}
	return PeerIdle
}
