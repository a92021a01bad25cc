// Package cryptostore persists JSON-serializable state encrypted at rest.
// Records are AES-256-GCM sealed with a key scrypt-derived from the process
// secret and a fixed, purpose-scoped salt, one salt per logical store so two
// stores never share key material or ciphertext. A record that fails
// authenticated decryption is treated as unrecoverable: it is deleted and
// reads report "not found" instead of failing.
package cryptostore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/scrypt"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/store"
)

const (
	nonceSize = 16
	tagSize   = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keySize = 32
)

var (
	ErrSecretRequired = errors.New("cryptostore: secret is required")
	ErrNameRequired   = errors.New("cryptostore: store name is required")
)

// Store is a typed, encrypted, TTL'd key-value store over a cache backend
// (normally a redis-primary cache with an in-memory fallback).
type Store[T any] struct {
	cache store.Cache
	aead  cipher.AEAD
	name  string
	ttl   time.Duration
}

// New derives the store's key and prepares the AEAD. name scopes both the
// key-derivation salt and the backend key prefix.
func New[T any](name, secret string, cache store.Cache, ttl time.Duration) (*Store[T], error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	if secret == "" {
		return nil, ErrSecretRequired
	}
	salt := "debatelab:" + name + ":v1"
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: gcm: %w", err)
	}
	return &Store[T]{cache: cache, aead: aead, name: name, ttl: ttl}, nil
}

func (s *Store[T]) key(id string) string { return s.name + ":" + id }

// Store serializes, encrypts and persists the state under the store's TTL.
func (s *Store[T]) Store(ctx context.Context, id string, state T) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cryptostore: marshal %s: %w", id, err)
	}
	record, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.key(id), record, s.ttl)
}

// Get returns the decrypted state, or nil when the id is unknown, expired,
// or its record failed authentication (in which case the record is removed).
func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	record, err := s.cache.Get(ctx, s.key(id))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cryptostore: read %s: %w", id, err)
	}
	plaintext, err := s.open(record)
	if err != nil {
		log.Printf("cryptostore: %s record %s failed authentication, discarding: %v", s.name, id, err)
		s.cache.Del(ctx, s.key(id))
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal(plaintext, out); err != nil {
		log.Printf("cryptostore: %s record %s failed to decode, discarding: %v", s.name, id, err)
		s.cache.Del(ctx, s.key(id))
		return nil, nil
	}
	return out, nil
}

// Delete removes the record, reporting whether one existed.
func (s *Store[T]) Delete(ctx context.Context, id string) bool {
	removed, err := s.cache.Del(ctx, s.key(id))
	if err != nil {
		log.Printf("cryptostore: %s delete %s: %v", s.name, id, err)
		return false
	}
	return removed
}

// Update runs a read-modify-write cycle: fn mutates the current state in
// place and the result is persisted. Returns nil when the id is unknown.
func (s *Store[T]) Update(ctx context.Context, id string, fn func(*T)) (*T, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	fn(current)
	if err := s.Store(ctx, id, *current); err != nil {
		return nil, err
	}
	return current, nil
}

// seal produces base64(nonce || authTag || ciphertext).
func (s *Store[T]) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptostore: nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	record := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	record = append(record, nonce...)
	record = append(record, tag...)
	record = append(record, ciphertext...)
	return base64.StdEncoding.EncodeToString(record), nil
}

func (s *Store[T]) open(record string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(record)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, errors.New("record too short")
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return s.aead.Open(nil, nonce, sealed, nil)
}
