package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Key file format: a plaintext file is exactly the raw 32-byte seed. An
// encrypted file starts with the magic byte 0x45, followed by a 32-byte
// argon2id salt, a 12-byte GCM nonce, and the sealed seed. The two formats
// never share a length, so a seed that happens to begin with the magic byte
// is still read as plaintext.
const (
	keyFileMagic = 0x45

	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	saltLen      = 32
	gcmNonceLen  = 12
)

func deriveFileKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
}

func encodeKeyFile(seed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		out := make([]byte, len(seed))
		copy(out, seed)
		return out, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	block, err := aes.NewCipher(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := []byte{keyFileMagic}
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, gcm.Seal(nil, nonce, seed, nil)...)
	return out, nil
}

func decodeKeyFile(data []byte, passphrase string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty key file")
	}
	if len(data) == ed25519.SeedSize {
		if passphrase != "" {
			return nil, fmt.Errorf("key file is not encrypted but a passphrase was given")
		}
		return data, nil
	}
	if data[0] != keyFileMagic {
		return nil, fmt.Errorf("unrecognized key file format")
	}

	if passphrase == "" {
		return nil, fmt.Errorf("key file is encrypted: passphrase required")
	}
	if len(data) < 1+saltLen+gcmNonceLen {
		return nil, fmt.Errorf("truncated encrypted key file")
	}
	salt := data[1 : 1+saltLen]
	nonce := data[1+saltLen : 1+saltLen+gcmNonceLen]
	sealed := data[1+saltLen+gcmNonceLen:]

	block, err := aes.NewCipher(deriveFileKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt key file: %w", err)
	}
	return seed, nil
}
