/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package configstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

// saltSize is the width of the on-disk .salt file per the persisted state
// layout.
const saltSize = 16

// ivSize is the GCM nonce width used for every encrypted value.
const ivSize = 16

// cipherSuite wraps an AES-256-GCM instance derived from a salt, encrypting
// and decrypting individual secret fields (passwords) at rest.
//
// Key derivation has no passphrase prompt in this core: the key is
// sha256(salt), matching a machine-local secret-at-rest threat model (the
// salt file's own 0600 permission bit is the access control, not a
// memorized passphrase), the same posture identity files on disk take:
// protected by filesystem permissions rather than a password.
type cipherSuite struct {
	gcm cipher.AEAD
}

func newCipherSuite(salt []byte) (*cipherSuite, error) {
	key := sha256.Sum256(salt)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, kinderr.New(kinderr.ConfigInvalid, "building AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, kinderr.New(kinderr.ConfigInvalid, "building GCM mode", err)
	}
	return &cipherSuite{gcm: gcm}, nil
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, kinderr.New(kinderr.ConfigIO, "generating salt", err)
	}
	return salt, nil
}

// encrypt renders plaintext as hex(iv):hex(authTag):hex(ciphertext).
func (c *cipherSuite) encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", kinderr.New(kinderr.ConfigIO, "generating iv", err)
	}

	sealed := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagSize := c.gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// decrypt is the inverse of encrypt.
func (c *cipherSuite) decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", kinderr.New(kinderr.ConfigInvalid, "encoded value is not iv:tag:ciphertext", nil)
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", kinderr.New(kinderr.ConfigInvalid, "decoding iv", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", kinderr.New(kinderr.ConfigInvalid, "decoding auth tag", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", kinderr.New(kinderr.ConfigInvalid, "decoding ciphertext", err)
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := c.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", kinderr.New(kinderr.ConfigInvalid, "decrypting value", err)
	}
	return string(plaintext), nil
}

// isEncrypted reports whether v splits into exactly three hex-decodable
// parts, the recognition rule the persisted state layout defines.
func isEncrypted(v string) bool {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}
