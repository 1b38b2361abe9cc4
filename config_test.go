/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"encoding/base64"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(key [NoisePublicKeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func TestParseConfig(t *testing.T) {
	sk, err := NewPrivateKey()
	require.NoError(t, err)
	peerSK, err := NewPrivateKey()
	require.NoError(t, err)
	peerPK := peerSK.PublicKey()
	var psk NoisePresharedKey
	psk[31] = 7

	text := `
# client configuration
[Interface]
PrivateKey = ` + b64(sk) + `
Address = 10.0.0.2/24, fd00::2
ListenPort = 51821
DNS = 10.0.0.1, 1.1.1.1
MTU = 1380

[Peer]
PublicKey = ` + b64(peerPK) + `
PresharedKey = ` + b64(psk) + `
Endpoint = 198.51.100.1:51820  # the server
AllowedIPs = 0.0.0.0/0, ::/0
persistentkeepalive = 25
`
	cfg, err := ParseConfig(strings.NewReader(text))
	require.NoError(t, err)

	assert.True(t, cfg.PrivateKey.Equals(sk))
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.2/24"),
		netip.MustParsePrefix("fd00::2/128"),
	}, cfg.Addresses)
	assert.Equal(t, uint16(51821), cfg.ListenPort)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("1.1.1.1"),
	}, cfg.DNS)
	assert.Equal(t, 1380, cfg.MTU)

	require.Len(t, cfg.Peers, 1)
	pc := cfg.Peers[0]
	assert.Equal(t, peerPK, pc.PublicKey)
	assert.Equal(t, psk, pc.PresharedKey)
	assert.Equal(t, "198.51.100.1:51820", pc.Endpoint)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/0"),
		netip.MustParsePrefix("::/0"),
	}, pc.AllowedIPs)
	assert.Equal(t, 25*time.Second, pc.PersistentKeepalive)

	require.NoError(t, cfg.Validate(RoleInitiator))
	require.NoError(t, cfg.Validate(RoleResponder))
}

func TestParseConfigErrors(t *testing.T) {
	for name, text := range map[string]string{
		"unknown section":   "[Tunnel]\n",
		"missing equals":    "[Interface]\nPrivateKey\n",
		"outside section":   "PrivateKey = abc\n",
		"bad key":           "[Interface]\nPrivateKey = not-base64\n",
		"short key":         "[Interface]\nPrivateKey = AAAA\n",
		"bad port":          "[Interface]\nListenPort = 70000\n",
		"bad address":       "[Interface]\nAddress = 10.0.0.300/24\n",
		"bad dns":           "[Interface]\nDNS = resolver\n",
		"bad mtu":           "[Interface]\nMTU = big\n",
		"unknown key":       "[Interface]\nTable = off\n",
		"bad allowed ips":   "[Peer]\nAllowedIPs = 10.0.0.0/33\n",
		"bad keepalive":     "[Peer]\nPersistentKeepalive = -1\n",
		"unknown peer key":  "[Peer]\nFoo = bar\n",
		"interface in peer": "[Peer]\nListenPort = 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(text))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "line ")
		})
	}
}

func TestParseConfigKeepaliveOff(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("[Peer]\nPersistentKeepalive = off\n[Peer]\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Peers, 2)
	assert.Zero(t, cfg.Peers[0].PersistentKeepalive)
}

func TestLoadConfig(t *testing.T) {
	sk, err := NewPrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tg0.conf")
	require.NoError(t, os.WriteFile(path, []byte("[Interface]\nPrivateKey = "+b64(sk)+"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.PrivateKey.Equals(sk))
	assert.Empty(t, cfg.Peers)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidate(t *testing.T) {
	sk, err := NewPrivateKey()
	require.NoError(t, err)
	peerSK, err := NewPrivateKey()
	require.NoError(t, err)
	peer := PeerConfig{
		PublicKey:  peerSK.PublicKey(),
		Endpoint:   serverEndpoint,
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}

	valid := func() *Config {
		return &Config{PrivateKey: sk, Peers: []PeerConfig{peer}}
	}

	require.NoError(t, valid().Validate(RoleInitiator))

	var nilConfig *Config
	require.ErrorIs(t, nilConfig.Validate(RoleResponder), ErrInvalidConfig)

	cfg := valid()
	cfg.PrivateKey = NoisePrivateKey{}
	require.ErrorIs(t, cfg.Validate(RoleInitiator), ErrInvalidConfig)

	cfg = valid()
	cfg.MTU = 100
	require.ErrorIs(t, cfg.Validate(RoleInitiator), ErrInvalidConfig)

	cfg = valid()
	cfg.Peers = append(cfg.Peers, PeerConfig{PublicKey: sk.PublicKey()})
	require.ErrorIs(t, cfg.Validate(RoleInitiator), ErrInitiatorSinglePeer)
	require.ErrorIs(t, cfg.Validate(RoleResponder), ErrInvalidConfig, "own key as a peer")

	cfg = valid()
	cfg.Peers = append(cfg.Peers, peer)
	require.ErrorIs(t, cfg.Validate(RoleResponder), ErrDuplicatePeer)

	cfg = valid()
	cfg.Peers[0].Endpoint = ""
	require.ErrorIs(t, cfg.Validate(RoleInitiator), ErrInvalidConfig)
	require.NoError(t, cfg.Validate(RoleResponder))

	cfg = valid()
	cfg.Peers[0].PersistentKeepalive = 100000 * time.Second
	require.ErrorIs(t, cfg.Validate(RoleResponder), ErrInvalidConfig)

	cfg = valid()
	cfg.Peers[0].PublicKey = NoisePublicKey{}
	require.ErrorIs(t, cfg.Validate(RoleResponder), ErrInvalidConfig)

	require.ErrorIs(t, valid().Validate(roleUnset), ErrInvalidConfig)
}
