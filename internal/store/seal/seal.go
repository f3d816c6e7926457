// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package seal encodes session snapshots for external storage. Snapshots
// carry the bearer token, so backends outside the process store them sealed
// with XChaCha20-Poly1305 when a key is configured.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opentrusty/console/internal/session"
	"golang.org/x/crypto/chacha20poly1305"
)

// Domain errors
var (
	ErrInvalidKey = errors.New("snapshot key must be 32 bytes, hex or base64 encoded")
	ErrOpen       = errors.New("snapshot failed integrity check")
)

// Sealer encrypts and authenticates payloads
type Sealer struct {
	aead cipher.AEAD
}

// New creates a sealer from a 32-byte key
func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// ParseKey decodes a hex or base64 encoded 32-byte key
func ParseKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// Seal returns nonce || ciphertext of plaintext bound to ad
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// Codec encodes snapshots for a backend. The zero value stores plain JSON.
type Codec struct {
	sealer *Sealer
}

// NewCodec creates a codec; a nil sealer stores plain JSON
func NewCodec(s *Sealer) Codec {
	return Codec{sealer: s}
}

// Sealed reports whether payloads are encrypted
func (c Codec) Sealed() bool {
	return c.sealer != nil
}

// Encode serializes snap stored under id. The id is bound to the sealed
// payload so a snapshot cannot be replayed under another session id.
func (c Codec) Encode(id string, snap *session.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if c.sealer == nil {
		return payload, nil
	}
	return c.sealer.Seal(payload, []byte(id))
}

// Decode reverses Encode
func (c Codec) Decode(id string, payload []byte) (*session.Snapshot, error) {
	if c.sealer != nil {
		var err error
		if payload, err = c.sealer.Open(payload, []byte(id)); err != nil {
			return nil, err
		}
	}
	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
