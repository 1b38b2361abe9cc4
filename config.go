/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	minMTU                 = 576
	maxMTU                 = 65535
	maxPersistentKeepalive = 65535 * time.Second
)

// Config is a complete interface configuration.
type Config struct {
	PrivateKey NoisePrivateKey
	Addresses  []netip.Prefix
	ListenPort uint16
	DNS        []netip.Addr
	MTU        int
	Peers      []PeerConfig
}

// PeerConfig describes one remote peer.
type PeerConfig struct {
	PublicKey           NoisePublicKey
	PresharedKey        NoisePresharedKey
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
}

// Validate checks a peer on its own.
func (pc *PeerConfig) Validate() error {
	if pc.PublicKey.IsZero() {
		return fmt.Errorf("%w: peer public key is missing", ErrInvalidConfig)
	}
	for _, prefix := range pc.AllowedIPs {
		if !prefix.IsValid() {
			return fmt.Errorf("%w: peer %s: invalid allowed IP %v", ErrInvalidConfig, pc.PublicKey, prefix)
		}
	}
	if pc.PersistentKeepalive < 0 || pc.PersistentKeepalive > maxPersistentKeepalive {
		return fmt.Errorf("%w: peer %s: persistent keepalive %v out of range", ErrInvalidConfig, pc.PublicKey, pc.PersistentKeepalive)
	}
	return nil
}

// Validate checks cfg for the given role. A client needs exactly one peer
// with an endpoint.
func (cfg *Config) Validate(role Role) error {
	if cfg == nil {
		return fmt.Errorf("%w: no configuration", ErrInvalidConfig)
	}
	if cfg.PrivateKey.IsZero() {
		return fmt.Errorf("%w: private key is missing", ErrInvalidConfig)
	}
	if cfg.MTU != 0 && (cfg.MTU < minMTU || cfg.MTU > maxMTU) {
		return fmt.Errorf("%w: MTU %d out of range", ErrInvalidConfig, cfg.MTU)
	}
	for _, prefix := range cfg.Addresses {
		if !prefix.IsValid() {
			return fmt.Errorf("%w: invalid address %v", ErrInvalidConfig, prefix)
		}
	}

	switch role {
	case RoleInitiator:
		if len(cfg.Peers) != 1 {
			return fmt.Errorf("%w: %d peers configured", ErrInitiatorSinglePeer, len(cfg.Peers))
		}
		if cfg.Peers[0].Endpoint == "" {
			return fmt.Errorf("%w: peer %s has no endpoint", ErrInvalidConfig, cfg.Peers[0].PublicKey)
		}
	case RoleResponder:
	default:
		return fmt.Errorf("%w: unknown role %v", ErrInvalidConfig, role)
	}

	self := cfg.PrivateKey.PublicKey()
	seen := make(map[NoisePublicKey]struct{}, len(cfg.Peers))
	for i := range cfg.Peers {
		pc := &cfg.Peers[i]
		if err := pc.Validate(); err != nil {
			return err
		}
		if pc.PublicKey.Equals(self) {
			return fmt.Errorf("%w: peer %s is the local public key", ErrInvalidConfig, pc.PublicKey)
		}
		if _, ok := seen[pc.PublicKey]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, pc.PublicKey)
		}
		seen[pc.PublicKey] = struct{}{}
	}
	return nil
}

// LoadConfig reads a configuration file from disk.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig reads the conventional [Interface] / [Peer] format.
func ParseConfig(r io.Reader) (*Config, error) {
	const (
		sectionNone = iota
		sectionInterface
		sectionPeer
	)

	cfg := new(Config)
	section := sectionNone
	var current *PeerConfig
	lineNo := 0

	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: line %d: %s", ErrInvalidConfig, lineNo, fmt.Sprintf(format, args...))
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			switch strings.ToLower(line) {
			case "[interface]":
				section = sectionInterface
			case "[peer]":
				section = sectionPeer
				cfg.Peers = append(cfg.Peers, PeerConfig{})
				current = &cfg.Peers[len(cfg.Peers)-1]
			default:
				return nil, fail("unknown section %s", line)
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fail("expected key = value")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case sectionInterface:
			err = parseInterfaceKey(cfg, key, value)
		case sectionPeer:
			err = parsePeerKey(current, key, value)
		default:
			err = fmt.Errorf("key %q outside of a section", key)
		}
		if err != nil {
			return nil, fail("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInterfaceKey(cfg *Config, key, value string) error {
	switch key {
	case "privatekey":
		return cfg.PrivateKey.FromBase64(value)
	case "address":
		prefixes, err := parsePrefixList(value)
		if err != nil {
			return err
		}
		cfg.Addresses = append(cfg.Addresses, prefixes...)
	case "listenport":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid listen port %q", value)
		}
		cfg.ListenPort = uint16(port)
	case "dns":
		for _, item := range splitList(value) {
			addr, err := netip.ParseAddr(item)
			if err != nil {
				return fmt.Errorf("invalid DNS server %q", item)
			}
			cfg.DNS = append(cfg.DNS, addr)
		}
	case "mtu":
		mtu, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MTU %q", value)
		}
		cfg.MTU = mtu
	default:
		return fmt.Errorf("unknown interface key %q", key)
	}
	return nil
}

func parsePeerKey(pc *PeerConfig, key, value string) error {
	switch key {
	case "publickey":
		return pc.PublicKey.FromBase64(value)
	case "presharedkey":
		return pc.PresharedKey.FromBase64(value)
	case "endpoint":
		pc.Endpoint = value
	case "allowedips":
		prefixes, err := parsePrefixList(value)
		if err != nil {
			return err
		}
		pc.AllowedIPs = append(pc.AllowedIPs, prefixes...)
	case "persistentkeepalive":
		if value == "off" {
			pc.PersistentKeepalive = 0
			return nil
		}
		secs, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid persistent keepalive %q", value)
		}
		pc.PersistentKeepalive = time.Duration(secs) * time.Second
	default:
		return fmt.Errorf("unknown peer key %q", key)
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parsePrefixList accepts bare addresses as host prefixes.
func parsePrefixList(value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range splitList(value) {
		prefix, err := parsePrefix(item)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid address %q", s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q", s)
	}
	return prefix, nil
}
