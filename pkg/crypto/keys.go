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

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/spf13/afero"

	herrors "github.com/harrierhq/harrier/pkg/errors"
)

// GenerateKeyPair creates a fresh RSA key pair.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < 2048 {
		return nil, &herrors.CryptoError{
			Stage: "keygen",
			Cause: fmt.Errorf("RSA keys below 2048 bits are not accepted"),
		}
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// SavePrivateKey writes the private key as a PKCS#8 PEM file.
func SavePrivateKey(fs afero.Fs, path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return &herrors.CryptoError{Stage: "private key encode", Cause: err}
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0o600)
}

// SavePublicKey writes the public key as a PKIX PEM file.
func SavePublicKey(fs afero.Fs, path string, key *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return &herrors.CryptoError{Stage: "public key encode", Cause: err}
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0o644)
}

// LoadPublicKey reads an RSA public key from a PEM file.
func LoadPublicKey(fs afero.Fs, path string) (*rsa.PublicKey, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "public key load", Cause: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &herrors.CryptoError{Stage: "public key load", Cause: fmt.Errorf("no PEM block in %s", path)}
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "public key load", Cause: err}
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, &herrors.CryptoError{Stage: "public key load", Cause: fmt.Errorf("not an RSA key")}
	}
	return pub, nil
}

// LoadPrivateKey reads an RSA private key from a PEM file. PKCS#8 is the
// written form; PKCS#1 is accepted for keys generated elsewhere.
func LoadPrivateKey(fs afero.Fs, path string) (*rsa.PrivateKey, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "private key load", Cause: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &herrors.CryptoError{Stage: "private key load", Cause: fmt.Errorf("no PEM block in %s", path)}
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if key, ok := parsed.(*rsa.PrivateKey); ok {
			return key, nil
		}
		return nil, &herrors.CryptoError{Stage: "private key load", Cause: fmt.Errorf("not an RSA key")}
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, &herrors.CryptoError{Stage: "private key load", Cause: err}
	}
	return key, nil
}
