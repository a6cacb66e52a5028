// Copyright 2025 The Harrier Authors
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

// Package crypto seals report archives: a fresh symmetric key encrypts the
// archive as an authenticated chunked stream, and the key itself is wrapped
// under the workflow's RSA public key.
//
// The stream is a sequence of length-prefixed AEAD chunks. Chunk i is sealed
// with nonce base⊕LE(i); a final empty chunk marks end-of-stream, so
// truncation is detectable. Any tag failure while opening a chunk means the
// archive was tampered with.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/chacha20poly1305"

	herrors "github.com/harrierhq/harrier/pkg/errors"
)

// ChunkSize is the plaintext size of one stream chunk.
const ChunkSize = 64 * 1024

// NonceSize is the AEAD nonce size for both supported algorithms.
const NonceSize = 12

// Algorithm names a supported AEAD.
type Algorithm string

const (
	// AES128GCM is AES-128-GCM (RFC 5116).
	AES128GCM Algorithm = "AES-128-GCM"
	// ChaCha20Poly1305 is CHACHA20-POLY1305 (RFC 8439).
	ChaCha20Poly1305 Algorithm = "CHACHA20-POLY1305"
)

// KeySize returns the symmetric key size for the algorithm.
func (a Algorithm) KeySize() (int, error) {
	switch a {
	case AES128GCM:
		return 16, nil
	case ChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	}
	return 0, &herrors.CryptoError{Stage: "algorithm", Cause: fmt.Errorf("not recognized: %q", a)}
}

// NewAEAD constructs the AEAD for the algorithm.
func (a Algorithm) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch a {
	case AES128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, &herrors.CryptoError{Stage: "cipher init", Cause: err}
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, &herrors.CryptoError{Stage: "algorithm", Cause: fmt.Errorf("not recognized: %q", a)}
}

// Meta is the encryption.json document describing a sealed archive.
// []byte fields serialize as base64, per the external contract.
type Meta struct {
	Algorithm   string `json:"algorithm"`
	WrappedKey  []byte `json:"wrapped_key"`
	BaseNonce   []byte `json:"base_nonce"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// WriteMeta writes encryption.json.
func WriteMeta(fs afero.Fs, path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, append(data, '\n'), 0o644)
}

// ReadMeta parses encryption.json.
func ReadMeta(fs afero.Fs, path string) (*Meta, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &herrors.CryptoError{Stage: "metadata", Cause: err}
	}
	return &meta, nil
}

// GenerateKey returns a fresh symmetric key for the algorithm.
func GenerateKey(a Algorithm) ([]byte, error) {
	size, err := a.KeySize()
	if err != nil {
		return nil, err
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, &herrors.CryptoError{Stage: "key generation", Cause: err}
	}
	return key, nil
}

// GenerateNonce returns a fresh 96-bit base nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &herrors.CryptoError{Stage: "nonce generation", Cause: err}
	}
	return nonce, nil
}

// WrapKey encrypts the symmetric key under the recipient's RSA public key
// using RSA-OAEP-SHA256.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "key wrap", Cause: err}
	}
	return wrapped, nil
}

// UnwrapKey recovers the symmetric key with the RSA private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "key unwrap", Cause: err}
	}
	return key, nil
}

// chunkNonce derives the per-chunk nonce: the base nonce XORed with the
// little-endian chunk counter.
func chunkNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], counter)
	for i := 0; i < 8; i++ {
		nonce[i] ^= le[i]
	}
	return nonce
}

// EncryptStream seals src into dst chunk by chunk and appends the empty
// end-of-stream chunk. Returns the total chunk count including the marker.
func EncryptStream(dst io.Writer, src io.Reader, aead cipher.AEAD, baseNonce []byte) (int, error) {
	buf := make([]byte, ChunkSize)
	var counter uint64

	writeChunk := func(plaintext []byte) error {
		sealed := aead.Seal(nil, chunkNonce(baseNonce, counter), plaintext, nil)
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(sealed)))
		if _, err := dst.Write(length[:]); err != nil {
			return err
		}
		if _, err := dst.Write(sealed); err != nil {
			return err
		}
		counter++
		return nil
	}

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := writeChunk(buf[:n]); werr != nil {
				return 0, &herrors.CryptoError{Stage: fmt.Sprintf("chunk %d", counter), Cause: werr}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, &herrors.CryptoError{Stage: fmt.Sprintf("chunk %d", counter), Cause: err}
		}
	}

	if err := writeChunk(nil); err != nil {
		return 0, &herrors.CryptoError{Stage: "end-of-stream chunk", Cause: err}
	}
	return int(counter), nil
}

// DecryptStream opens the chunked stream from src into dst. It fails on any
// tag mismatch ("tampered") and on a stream that ends before the empty
// end-of-stream chunk ("truncated").
func DecryptStream(dst io.Writer, src io.Reader, aead cipher.AEAD, baseNonce []byte) error {
	var counter uint64
	var length [4]byte

	for {
		if _, err := io.ReadFull(src, length[:]); err != nil {
			return &herrors.CryptoError{
				Stage: fmt.Sprintf("chunk %d", counter),
				Cause: fmt.Errorf("truncated stream: %w", err),
			}
		}
		size := binary.LittleEndian.Uint32(length[:])
		if size < uint32(aead.Overhead()) || size > ChunkSize+uint32(aead.Overhead()) {
			return &herrors.CryptoError{
				Stage: fmt.Sprintf("chunk %d", counter),
				Cause: fmt.Errorf("invalid chunk length %d", size),
			}
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return &herrors.CryptoError{
				Stage: fmt.Sprintf("chunk %d", counter),
				Cause: fmt.Errorf("truncated stream: %w", err),
			}
		}

		plaintext, err := aead.Open(nil, chunkNonce(baseNonce, counter), sealed, nil)
		if err != nil {
			return &herrors.CryptoError{
				Stage: fmt.Sprintf("chunk %d", counter),
				Cause: fmt.Errorf("tampered: %w", err),
			}
		}
		counter++

		if len(plaintext) == 0 {
			return nil
		}
		if _, err := dst.Write(plaintext); err != nil {
			return &herrors.CryptoError{Stage: fmt.Sprintf("chunk %d", counter-1), Cause: err}
		}
	}
}

// EncryptFile seals the file at path in place: the ciphertext stream
// replaces the plaintext through a temporary name, and the returned Meta
// describes how to open it.
func EncryptFile(fs afero.Fs, path string, pub *rsa.PublicKey, alg Algorithm) (*Meta, error) {
	key, err := GenerateKey(alg)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	wrapped, err := WrapKey(pub, key)
	if err != nil {
		return nil, err
	}
	baseNonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	aead, err := alg.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	src, err := fs.Open(path)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "open plaintext", Cause: err}
	}
	tmp := path + ".sealed"
	dst, err := fs.Create(tmp)
	if err != nil {
		src.Close()
		return nil, &herrors.CryptoError{Stage: "create ciphertext", Cause: err}
	}

	chunks, err := EncryptStream(dst, src, aead, baseNonce)
	src.Close()
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(tmp)
		return nil, err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return nil, &herrors.CryptoError{Stage: "replace plaintext", Cause: err}
	}

	return &Meta{
		Algorithm:   string(alg),
		WrappedKey:  wrapped,
		BaseNonce:   baseNonce,
		ChunkSize:   ChunkSize,
		TotalChunks: chunks,
	}, nil
}

// DecryptFile opens a sealed file in place using the wrapped key from meta.
func DecryptFile(fs afero.Fs, path string, priv *rsa.PrivateKey, meta *Meta) error {
	key, err := UnwrapKey(priv, meta.WrappedKey)
	if err != nil {
		return err
	}
	defer zero(key)

	aead, err := Algorithm(meta.Algorithm).NewAEAD(key)
	if err != nil {
		return err
	}

	src, err := fs.Open(path)
	if err != nil {
		return &herrors.CryptoError{Stage: "open ciphertext", Cause: err}
	}
	tmp := path + ".opened"
	dst, err := fs.Create(tmp)
	if err != nil {
		src.Close()
		return &herrors.CryptoError{Stage: "create plaintext", Cause: err}
	}

	err = DecryptStream(dst, src, aead, meta.BaseNonce)
	src.Close()
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = &herrors.CryptoError{Stage: "close plaintext", Cause: cerr}
	}
	if err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return &herrors.CryptoError{Stage: "replace ciphertext", Cause: err}
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
