/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/ipc"
)

type ipcError struct {
	code int64 // error code
	err  error // underlying/wrapped error
}

func (s ipcError) Error() string {
	return fmt.Sprintf("IPC error %d: %v", s.code, s.err)
}

func (s ipcError) Unwrap() error {
	return s.err
}

func (s ipcError) ErrorCode() int64 {
	return s.code
}

func ipcErrorf(code int64, msg string, args ...any) *ipcError {
	return &ipcError{code: code, err: fmt.Errorf(msg, args...)}
}

// toIPCError maps engine errors onto the UAPI error codes.
func toIPCError(err error) *ipcError {
	if err == nil {
		return nil
	}
	var status *ipcError
	switch {
	case errors.As(err, &status):
		return status
	case errors.Is(err, ErrStartup):
		return &ipcError{code: ipc.IpcErrorPortInUse, err: err}
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrInitiatorSinglePeer),
		errors.Is(err, ErrDuplicatePeer),
		errors.Is(err, ErrPeerNotFound):
		return &ipcError{code: ipc.IpcErrorInvalid, err: err}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &ipcError{code: ipc.IpcErrorIO, err: err}
	default:
		return &ipcError{code: ipc.IpcErrorUnknown, err: err}
	}
}

type uapiPair struct {
	key   string
	value string
}

// readUAPIBlock reads key=value lines up to a blank line. It returns io.EOF
// only when the reader ends before any line.
func readUAPIBlock(r *bufio.Reader) ([]uapiPair, error) {
	var pairs []uapiPair
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(pairs) == 0 && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, ipcErrorf(ipc.IpcErrorIO, "unterminated block: %w", io.ErrUnexpectedEOF)
			}
			return nil, ipcErrorf(ipc.IpcErrorIO, "failed to read input: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			// Blank line means terminate operation.
			return pairs, nil
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, ipcErrorf(ipc.IpcErrorProtocol, "failed to parse line %q", line)
		}
		pairs = append(pairs, uapiPair{key: key, value: value})
	}
}

// writeUAPIBlock writes pairs followed by the blank terminator line.
func writeUAPIBlock(w io.Writer, pairs []uapiPair) error {
	buf := new(bytes.Buffer)
	for _, p := range pairs {
		fmt.Fprintf(buf, "%s=%s\n", p.key, p.value)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// configFromUAPI builds a Config from connect/serve pairs. Keys are hex,
// as in the WireGuard configuration protocol.
// See https://www.wireguard.com/xplatform/#configuration-protocol for details.
func configFromUAPI(pairs []uapiPair) (*Config, error) {
	cfg := new(Config)
	var peer *PeerConfig
	deviceConfig := true

	for _, p := range pairs {
		if p.key == "public_key" {
			deviceConfig = false
			cfg.Peers = append(cfg.Peers, PeerConfig{})
			peer = &cfg.Peers[len(cfg.Peers)-1]
			if err := peer.PublicKey.FromHex(p.value); err != nil {
				return nil, ipcErrorf(ipc.IpcErrorInvalid, "failed to get peer by public key: %w", err)
			}
			continue
		}

		var err error
		if deviceConfig {
			err = handleDeviceLine(cfg, p.key, p.value)
		} else {
			err = handlePeerLine(peer, p.key, p.value)
		}
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func handleDeviceLine(cfg *Config, key, value string) error {
	switch key {
	case "private_key":
		if err := cfg.PrivateKey.FromMaybeZeroHex(value); err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set private_key: %w", err)
		}

	case "listen_port":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to parse listen_port: %w", err)
		}
		cfg.ListenPort = uint16(port)

	case "address":
		prefix, err := parsePrefix(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set address: %w", err)
		}
		cfg.Addresses = append(cfg.Addresses, prefix)

	case "dns":
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set dns: %w", err)
		}
		cfg.DNS = append(cfg.DNS, addr)

	case "mtu":
		mtu, err := strconv.Atoi(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set mtu: %w", err)
		}
		cfg.MTU = mtu

	default:
		return ipcErrorf(ipc.IpcErrorInvalid, "invalid UAPI device key: %v", key)
	}

	return nil
}

func handlePeerLine(peer *PeerConfig, key, value string) error {
	switch key {
	case "preshared_key":
		if err := peer.PresharedKey.FromHex(value); err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set preshared key: %w", err)
		}

	case "endpoint":
		peer.Endpoint = value

	case "allowed_ip":
		prefix, err := parsePrefix(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set allowed ip: %w", err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, prefix)

	case "persistent_keepalive_interval":
		secs, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set persistent keepalive interval: %w", err)
		}
		peer.PersistentKeepalive = time.Duration(secs) * time.Second

	case "protocol_version":
		if value != "1" {
			return ipcErrorf(ipc.IpcErrorInvalid, "invalid protocol version: %v", value)
		}

	default:
		return ipcErrorf(ipc.IpcErrorInvalid, "invalid UAPI peer key: %v", key)
	}

	return nil
}

// configToUAPI is the inverse of configFromUAPI.
func configToUAPI(cfg *Config) []uapiPair {
	var pairs []uapiPair
	add := func(key, value string) {
		pairs = append(pairs, uapiPair{key: key, value: value})
	}

	add("private_key", cfg.PrivateKey.hex())
	if cfg.ListenPort != 0 {
		add("listen_port", strconv.FormatUint(uint64(cfg.ListenPort), 10))
	}
	for _, prefix := range cfg.Addresses {
		add("address", prefix.String())
	}
	for _, addr := range cfg.DNS {
		add("dns", addr.String())
	}
	if cfg.MTU != 0 {
		add("mtu", strconv.Itoa(cfg.MTU))
	}
	for i := range cfg.Peers {
		pairs = append(pairs, peerConfigToUAPI(&cfg.Peers[i])...)
	}
	return pairs
}

func peerConfigToUAPI(peer *PeerConfig) []uapiPair {
	pairs := []uapiPair{{key: "public_key", value: peer.PublicKey.hex()}}
	add := func(key, value string) {
		pairs = append(pairs, uapiPair{key: key, value: value})
	}
	if !peer.PresharedKey.IsZero() {
		add("preshared_key", peer.PresharedKey.hex())
	}
	if peer.Endpoint != "" {
		add("endpoint", peer.Endpoint)
	}
	for _, prefix := range peer.AllowedIPs {
		add("allowed_ip", prefix.String())
	}
	if peer.PersistentKeepalive > 0 {
		add("persistent_keepalive_interval", strconv.FormatInt(int64(peer.PersistentKeepalive/time.Second), 10))
	}
	return pairs
}
