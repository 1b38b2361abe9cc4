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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/ipc"
)

// uapiCfg returns a string that contains cfg formatted for the control
// protocol. cfg is a series of alternating key/value strings.
// uapiCfg exists because editors and humans like to insert
// whitespace into configs, which can cause failures, some of which are silent.
// For example, a leading blank newline causes the remainder
// of the config to be silently ignored.
func uapiCfg(cfg ...string) string {
	if len(cfg)%2 != 0 {
		panic("odd number of args to uapiReader")
	}
	buf := new(bytes.Buffer)
	for i, s := range cfg {
		buf.WriteString(s)
		sep := byte('\n')
		if i%2 == 0 {
			sep = '='
		}
		buf.WriteByte(sep)
	}
	return buf.String()
}

func readCfg(t *testing.T, cfg string) []uapiPair {
	t.Helper()
	pairs, err := readUAPIBlock(bufio.NewReader(strings.NewReader(cfg + "\n")))
	require.NoError(t, err)
	return pairs
}

func TestConfigFromUAPI(t *testing.T) {
	pairs := readCfg(t, uapiCfg(
		"private_key", "481eb0d8113a4a5da532d2c3e9c14b53c8454b34ab109676f6b58c2245e37b58",
		"listen_port", "51820",
		"address", "10.0.0.1/24",
		"dns", "10.0.0.53",
		"mtu", "1400",
		"public_key", "f70dbb6b1b92a1dde1c783b297016af3f572fef13b0abb16a2623d89a58e9725",
		"preshared_key", "0000000000000000000000000000000000000000000000000000000000000001",
		"protocol_version", "1",
		"endpoint", "198.51.100.1:51820",
		"allowed_ip", "10.0.0.2/32",
		"allowed_ip", "fd00::2",
		"persistent_keepalive_interval", "25",
		"public_key", "0000000000000000000000000000000000000000000000000000000000000002",
	))

	cfg, err := configFromUAPI(pairs)
	require.NoError(t, err)
	assert.Equal(t, "481eb0d8113a4a5da532d2c3e9c14b53c8454b34ab109676f6b58c2245e37b58", cfg.PrivateKey.hex())
	assert.Equal(t, uint16(51820), cfg.ListenPort)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}, cfg.Addresses)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.53")}, cfg.DNS)
	assert.Equal(t, 1400, cfg.MTU)

	require.Len(t, cfg.Peers, 2)
	pc := cfg.Peers[0]
	assert.Equal(t, "f70dbb6b1b92a1dde1c783b297016af3f572fef13b0abb16a2623d89a58e9725", pc.PublicKey.hex())
	assert.Equal(t, byte(1), pc.PresharedKey[31])
	assert.Equal(t, "198.51.100.1:51820", pc.Endpoint)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.2/32"),
		netip.MustParsePrefix("fd00::2/128"),
	}, pc.AllowedIPs)
	assert.Equal(t, 25*time.Second, pc.PersistentKeepalive)
	assert.Empty(t, cfg.Peers[1].AllowedIPs)

	back, err := configFromUAPI(configToUAPI(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestConfigFromUAPIErrors(t *testing.T) {
	for name, cfg := range map[string]string{
		"device key":       uapiCfg("fwmark", "0"),
		"private key":      uapiCfg("private_key", "abcd"),
		"listen port":      uapiCfg("listen_port", "65536"),
		"address":          uapiCfg("address", "10.0.0.1/40"),
		"dns":              uapiCfg("dns", "resolver"),
		"mtu":              uapiCfg("mtu", "big"),
		"public key":       uapiCfg("public_key", "00"),
		"peer key":         uapiCfg("public_key", strings.Repeat("00", 32), "replace_allowed_ips", "true"),
		"preshared key":    uapiCfg("public_key", strings.Repeat("00", 32), "preshared_key", "zz"),
		"allowed ip":       uapiCfg("public_key", strings.Repeat("00", 32), "allowed_ip", "10.0.0.0/33"),
		"keepalive":        uapiCfg("public_key", strings.Repeat("00", 32), "persistent_keepalive_interval", "-1"),
		"protocol version": uapiCfg("public_key", strings.Repeat("00", 32), "protocol_version", "2"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := configFromUAPI(readCfg(t, cfg))
			status := toIPCError(err)
			require.NotNil(t, status)
			assert.Equal(t, ipc.IpcErrorInvalid, status.ErrorCode())
		})
	}
}

func TestReadUAPIBlock(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("a=1\nb=x=y\n\nc=2\n\n"))

	pairs, err := readUAPIBlock(r)
	require.NoError(t, err)
	assert.Equal(t, []uapiPair{{"a", "1"}, {"b", "x=y"}}, pairs)

	pairs, err = readUAPIBlock(r)
	require.NoError(t, err)
	assert.Equal(t, []uapiPair{{"c", "2"}}, pairs)

	_, err = readUAPIBlock(r)
	require.ErrorIs(t, err, io.EOF)

	_, err = readUAPIBlock(bufio.NewReader(strings.NewReader("a=1\n")))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, ipc.IpcErrorIO, toIPCError(err).ErrorCode())

	_, err = readUAPIBlock(bufio.NewReader(strings.NewReader("garbage\n\n")))
	assert.Equal(t, ipc.IpcErrorProtocol, toIPCError(err).ErrorCode())
}

func TestWriteUAPIBlock(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUAPIBlock(&buf, []uapiPair{{"errno", "0"}}))
	assert.Equal(t, "errno=0\n\n", buf.String())
}

func TestToIPCError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int64
	}{
		{fmt.Errorf("%w: bind", ErrStartup), ipc.IpcErrorPortInUse},
		{fmt.Errorf("%w: mtu", ErrInvalidConfig), ipc.IpcErrorInvalid},
		{ErrDuplicatePeer, ipc.IpcErrorInvalid},
		{ErrPeerNotFound, ipc.IpcErrorInvalid},
		{ErrInitiatorSinglePeer, ipc.IpcErrorInvalid},
		{ipcErrorf(ipc.IpcErrorProtocol, "bad"), ipc.IpcErrorProtocol},
		{errors.New("boom"), ipc.IpcErrorUnknown},
	} {
		assert.Equal(t, tc.code, toIPCError(tc.err).ErrorCode(), tc.err.Error())
	}
	assert.Nil(t, toIPCError(nil))
}
