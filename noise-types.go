/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
	NoiseNonce        uint64 // padded to 12-bytes
)

var errKeyLength = errors.New("key has the wrong length")

func loadExactHex(dst []byte, src string) error {
	slice, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(slice) != len(dst) {
		return errKeyLength
	}
	copy(dst, slice)
	return nil
}

func loadExactBase64(dst []byte, src string) error {
	slice, err := base64.StdEncoding.DecodeString(src)
	if err != nil {
		return err
	}
	if len(slice) != len(dst) {
		return errKeyLength
	}
	copy(dst, slice)
	return nil
}

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return key.Equals(zero)
}

func (key NoisePrivateKey) Equals(tar NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], tar[:]) == 1
}

func (key *NoisePrivateKey) FromHex(src string) (err error) {
	err = loadExactHex(key[:], src)
	key.clamp()
	return
}

func (key *NoisePrivateKey) FromMaybeZeroHex(src string) (err error) {
	err = loadExactHex(key[:], src)
	if key.IsZero() {
		return
	}
	key.clamp()
	return
}

func (key *NoisePrivateKey) FromBase64(src string) (err error) {
	err = loadExactBase64(key[:], src)
	key.clamp()
	return
}

func (key *NoisePublicKey) FromHex(src string) error {
	return loadExactHex(key[:], src)
}

func (key *NoisePublicKey) FromBase64(src string) error {
	return loadExactBase64(key[:], src)
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key NoisePublicKey) Equals(tar NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], tar[:]) == 1
}

// String returns the key in the base64 form used by configuration files.
func (key NoisePublicKey) String() string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func (key NoisePublicKey) hex() string {
	return hex.EncodeToString(key[:])
}

func (key *NoisePresharedKey) FromHex(src string) error {
	return loadExactHex(key[:], src)
}

func (key *NoisePresharedKey) FromBase64(src string) error {
	return loadExactBase64(key[:], src)
}

func (key NoisePresharedKey) IsZero() bool {
	var zero NoisePresharedKey
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}

func (key NoisePresharedKey) String() string {
	return "(preshared key)"
}

func (key NoisePresharedKey) GoString() string {
	return key.String()
}

func (key NoisePresharedKey) hex() string {
	return hex.EncodeToString(key[:])
}

func (key NoisePrivateKey) hex() string {
	return hex.EncodeToString(key[:])
}

// Base64 returns the key in the form used by configuration files. Only call
// it where the secret is meant to be shown.
func (key NoisePrivateKey) Base64() string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// String keeps private keys out of logs and formatted configs.
func (key NoisePrivateKey) String() string {
	return "(private key)"
}

func (key NoisePrivateKey) GoString() string {
	return key.String()
}
