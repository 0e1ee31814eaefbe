package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const mediaKeyBaseLabel = "Discord Secure Frames v0"

// hashKeyRatchet derives one AES key per generation by walking a hash
// chain forward. The chain secret only ever advances, so deleting a
// generation makes it and everything before it unrecoverable.
type hashKeyRatchet struct {
	mu sync.Mutex

	chainSecret []byte
	chainGen    uint32
	deletedUpTo uint32
	hasDeleted  bool
	keys        map[uint32][]byte
}

func newHashKeyRatchet(baseSecret []byte) *hashKeyRatchet {
	secret := make([]byte, len(baseSecret))
	copy(secret, baseSecret)
	return &hashKeyRatchet{
		chainSecret: secret,
		keys:        make(map[uint32][]byte),
	}
}

func ratchetExpand(secret []byte, label string, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, []byte(mediaKeyBaseLabel+label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil
	}
	return out
}

func (r *hashKeyRatchet) GetKey(generation uint32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasDeleted && generation <= r.deletedUpTo {
		return nil, fmt.Errorf("generation %d was deleted", generation)
	}
	if key, ok := r.keys[generation]; ok {
		return key, nil
	}
	if generation < r.chainGen {
		return nil, fmt.Errorf("generation %d is behind the chain", generation)
	}

	// Cache keys for any skipped generations so an out-of-order frame can
	// still be decrypted until its generation is deleted.
	for r.chainGen < generation {
		if _, ok := r.keys[r.chainGen]; !ok {
			r.keys[r.chainGen] = ratchetExpand(r.chainSecret, "key", aesGCMKeyBytes)
		}
		next := ratchetExpand(r.chainSecret, "chain", sha256.Size)
		zeroBytes(r.chainSecret)
		r.chainSecret = next
		r.chainGen++
	}
	key := ratchetExpand(r.chainSecret, "key", aesGCMKeyBytes)
	if key == nil {
		return nil, fmt.Errorf("key derivation failed for generation %d", generation)
	}
	r.keys[generation] = key
	return key, nil
}

func (r *hashKeyRatchet) DeleteKey(generation uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for gen, key := range r.keys {
		if gen <= generation {
			zeroBytes(key)
			delete(r.keys, gen)
		}
	}
	// Force the chain past the deleted generation so earlier keys cannot
	// be re-derived.
	for r.chainGen <= generation {
		next := ratchetExpand(r.chainSecret, "chain", sha256.Size)
		zeroBytes(r.chainSecret)
		r.chainSecret = next
		r.chainGen++
	}
	if !r.hasDeleted || generation > r.deletedUpTo {
		r.deletedUpTo = generation
		r.hasDeleted = true
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
