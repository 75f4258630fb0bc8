// Package auth implements operator authentication for the admin-shaped
// endpoints named in SPEC_FULL.md §4.9: a bbolt-backed, passphrase-encrypted
// root-key store and macaroon-based capability tokens scoped to
// {dlq:read, dlq:resolve, sync:force}. This gates operator tooling only —
// it never touches cashier/POS authentication, which stays out of scope
// per spec.md's Non-goals.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"go.etcd.io/bbolt"
	"gopkg.in/macaroon-bakery.v2/bakery"
)

var (
	rootKeyBucketName = []byte("operator_root_keys")
	encryptedKeyID     = []byte("enckey")

	// DefaultRootKeyID is the root key identity used until multi-tenant
	// operator key rotation is needed.
	DefaultRootKeyID = []byte("0")

	// RootKeyLen is the length in bytes of a generated root key.
	RootKeyLen = 32

	ErrAlreadyUnlocked  = fmt.Errorf("operator store already unlocked")
	ErrStoreLocked      = fmt.Errorf("operator store is locked")
	ErrPasswordRequired = fmt.Errorf("a non-nil password is required")
)

// RootKeyStorage persists macaroon root keys in a small auxiliary bbolt
// database, separate from the SQL Durable Buffer (operator credentials are
// keyed by root-key ID, written far less often, and have no relation to a
// Receipt). It satisfies bakery.RootKeyStore.
type RootKeyStorage struct {
	db *bbolt.DB

	mu     sync.RWMutex
	encKey *encryptionKey
}

var _ bakery.RootKeyStore = (*RootKeyStorage)(nil)

// NewRootKeyStorage opens (creating if necessary) the bbolt database at
// path and ensures the root key bucket exists.
func NewRootKeyStorage(path string) (*RootKeyStorage, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open operator db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootKeyBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create root key bucket: %w", err)
	}

	return &RootKeyStorage{db: db}, nil
}

// CreateUnlock derives (or re-derives, and verifies) the encryption key
// from password. The first call on a fresh store generates and persists a
// new salt+key; subsequent calls must supply the same password.
func (r *RootKeyStorage) CreateUnlock(password []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encKey != nil {
		return ErrAlreadyUnlocked
	}
	if password == nil {
		return ErrPasswordRequired
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootKeyBucketName)
		stored := bucket.Get(encryptedKeyID)

		if len(stored) > 0 {
			salt, err := saltFromCiphertext(stored)
			if err != nil {
				return err
			}
			ek, err := unlockEncryptionKey(password, salt)
			if err != nil {
				return err
			}
			// Verify the password by attempting to decrypt the marker.
			if _, err := ek.Decrypt(stored); err != nil {
				return fmt.Errorf("incorrect operator passphrase")
			}
			r.encKey = ek
			return nil
		}

		ek, err := newEncryptionKey(password)
		if err != nil {
			return err
		}
		marker, err := ek.Encrypt([]byte("unlocked"))
		if err != nil {
			return err
		}
		if err := bucket.Put(encryptedKeyID, marker); err != nil {
			return err
		}
		r.encKey = ek
		return nil
	})
}

// Get implements bakery.RootKeyStore: returns the decrypted root key for
// id.
func (r *RootKeyStorage) Get(_ context.Context, id []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.encKey == nil {
		return nil, ErrStoreLocked
	}

	var rootKey []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		stored := tx.Bucket(rootKeyBucketName).Get(id)
		if len(stored) == 0 {
			return fmt.Errorf("root key with id %s doesn't exist", id)
		}
		plain, err := r.encKey.Decrypt(stored)
		if err != nil {
			return err
		}
		rootKey = plain
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rootKey, nil
}

// RootKey implements bakery.RootKeyStore: returns the current root key,
// generating and persisting a new one on first use for DefaultRootKeyID.
func (r *RootKeyStorage) RootKey(_ context.Context) ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encKey == nil {
		return nil, nil, ErrStoreLocked
	}

	id := DefaultRootKeyID
	var rootKey []byte
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootKeyBucketName)
		stored := bucket.Get(id)
		if len(stored) != 0 {
			plain, err := r.encKey.Decrypt(stored)
			if err != nil {
				return err
			}
			rootKey = plain
			return nil
		}

		rootKey = make([]byte, RootKeyLen)
		if _, err := io.ReadFull(rand.Reader, rootKey); err != nil {
			return err
		}
		enc, err := r.encKey.Encrypt(rootKey)
		if err != nil {
			return err
		}
		return bucket.Put(id, enc)
	})
	if err != nil {
		return nil, nil, err
	}
	return rootKey, id, nil
}

// ListRootKeyIDs returns every stored root key ID except the encryption
// marker.
func (r *RootKeyStorage) ListRootKeyIDs() ([][]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.encKey == nil {
		return nil, ErrStoreLocked
	}

	var ids [][]byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(rootKeyBucketName).ForEach(func(k, _ []byte) error {
			if !bytes.Equal(k, encryptedKeyID) {
				ids = append(ids, append([]byte(nil), k...))
			}
			return nil
		})
	})
	return ids, err
}

// Close releases the database handle and zeroes the in-memory key.
func (r *RootKeyStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encKey != nil {
		for i := range r.encKey.key {
			r.encKey.key[i] = 0
		}
		r.encKey = nil
	}
	return r.db.Close()
}
