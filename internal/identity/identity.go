// Package identity holds the node's Ed25519 signing keypair and its stable
// node identifier, plus the fixed four-role taxonomy of the ergors mesh.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Identity is a node's signing keypair and derived identifier. The private key
// is exclusively owned by this struct and is never serialized outward.
type Identity struct {
	ID        string
	PublicKey ed25519.PublicKey
	priv      ed25519.PrivateKey
}

// IDFromPublicKey computes the node identifier for a public key: the first
// 8 bytes of SHA-256(pub) as 16-character lowercase hexadecimal. Hashing first
// keeps identifiers uniformly distributed regardless of key generation patterns.
func IDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Generate creates a fresh identity. Fails only on entropy-source failure,
// which is fatal and not retried.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{ID: IDFromPublicKey(pub), PublicKey: pub, priv: priv}, nil
}

// FromSeed reconstructs an identity from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{ID: IDFromPublicKey(pub), PublicKey: pub, priv: priv}, nil
}

// LoadOrGenerate loads the identity seed from path, or generates a new one and
// saves it if the file doesn't exist. When passphrase is non-empty the seed is
// stored encrypted (see keyfile.go); a plaintext file is the 32-byte seed.
func LoadOrGenerate(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := decodeKeyFile(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}
		return FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	blob, err := encodeKeyFile(id.priv.Seed(), passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return id, nil
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}
