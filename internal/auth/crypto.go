package auth

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Scrypt cost parameters for deriving the root-key encryption key from an
// operator-supplied passphrase.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	saltLen = 32
	keyLen  = 32
)

// encryptionKey wraps the secretbox key derived from an operator
// passphrase. It replaces the teacher's btcwallet/snacl.SecretKey with the
// same scrypt-then-secretbox construction expressed directly against
// golang.org/x/crypto, since snacl is bitcoin-wallet-specific and has no
// home in this domain.
type encryptionKey struct {
	key  [keyLen]byte
	salt [saltLen]byte
}

// newEncryptionKey derives a fresh key from password with a random salt,
// for first-run initialization.
func newEncryptionKey(password []byte) (*encryptionKey, error) {
	var ek encryptionKey
	if _, err := io.ReadFull(rand.Reader, ek.salt[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := ek.derive(password); err != nil {
		return nil, err
	}
	return &ek, nil
}

// unlockEncryptionKey re-derives the key from password using a
// previously-stored salt, for subsequent runs.
func unlockEncryptionKey(password []byte, salt [saltLen]byte) (*encryptionKey, error) {
	ek := &encryptionKey{salt: salt}
	if err := ek.derive(password); err != nil {
		return nil, err
	}
	return ek, nil
}

func (ek *encryptionKey) derive(password []byte) error {
	derived, err := scrypt.Key(password, ek.salt[:], scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	copy(ek.key[:], derived)
	return nil
}

// Encrypt seals plaintext with a fresh random nonce, returning
// salt || nonce || ciphertext.
func (ek *encryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, ek.salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &ek.key)
	return out, nil
}

// Decrypt reverses Encrypt. The caller supplies a key already derived with
// the salt embedded in data (see saltFromCiphertext).
func (ek *encryptionKey) Decrypt(data []byte) ([]byte, error) {
	if len(data) < saltLen+24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[saltLen:saltLen+24])

	plaintext, ok := secretbox.Open(nil, data[saltLen+24:], &nonce, &ek.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: wrong password or corrupted data")
	}
	return plaintext, nil
}

// saltFromCiphertext extracts the salt prefix written by Encrypt, so the
// decrypting key can be re-derived before calling Decrypt.
func saltFromCiphertext(data []byte) ([saltLen]byte, error) {
	var salt [saltLen]byte
	if len(data) < saltLen {
		return salt, fmt.Errorf("ciphertext too short")
	}
	copy(salt[:], data[:saltLen])
	return salt, nil
}
