package main

import (
	"fmt"
	"time"
)

// clock lets the expiry and lifetime rules run on a fake time source in
// tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// computeWrappedGeneration extends a truncated 8-bit generation back to
// the full 32-bit counter, anchored on the oldest generation we track.
// A wrong guess here lands outside the max generation gap and is
// rejected there.
func computeWrappedGeneration(oldest, generation uint32) uint32 {
	remainder := oldest % generationWrap
	factor := oldest / generationWrap
	if generation < remainder {
		factor++
	}
	return factor*generationWrap + generation
}

// computeWrappedBigNonce projects (generation, truncated nonce) into one
// monotonically increasing replay identifier.
func computeWrappedBigNonce(generation uint32, nonce uint32) uint64 {
	masked := uint64(nonce) & ((1 << ratchetGenerationShiftBits) - 1)
	return uint64(generation)<<ratchetGenerationShiftBits | masked
}

type expiringCipher struct {
	cipher *aeadCipher
	expiry time.Time // zero means never
}

func (e *expiringCipher) expired(now time.Time) bool {
	return !e.expiry.IsZero() && e.expiry.Before(now)
}

// cipherManager owns one key ratchet and the per-generation ciphers
// derived from it, plus the replay window over big nonces.
type cipherManager struct {
	clk     clock
	ratchet keyRatchet

	ratchetCreation time.Time
	ratchetExpiry   time.Time // zero means never

	oldestGeneration uint32
	newestGeneration uint32

	ciphers map[uint32]*expiringCipher

	hasProcessedNonce    bool
	newestProcessedNonce uint64
	missingNonces        []uint64
}

func newCipherManager(clk clock, ratchet keyRatchet) *cipherManager {
	return &cipherManager{
		clk:             clk,
		ratchet:         ratchet,
		ratchetCreation: clk.Now(),
		ciphers:         make(map[uint32]*expiringCipher),
	}
}

func (m *cipherManager) canProcessNonce(generation uint32, nonce uint32) bool {
	if !m.hasProcessedNonce {
		return true
	}
	bigNonce := computeWrappedBigNonce(generation, nonce)
	if bigNonce > m.newestProcessedNonce {
		return true
	}
	for i := len(m.missingNonces) - 1; i >= 0; i-- {
		if m.missingNonces[i] == bigNonce {
			return true
		}
	}
	return false
}

func (m *cipherManager) computeWrappedGeneration(generation uint32) uint32 {
	return computeWrappedGeneration(m.oldestGeneration, generation)
}

func (m *cipherManager) getCipher(generation uint32) (*aeadCipher, error) {
	m.cleanupExpiredCiphers()

	if generation < m.oldestGeneration {
		return nil, fmt.Errorf("%w: generation %d, oldest is %d",
			errGenerationTooOld, generation, m.oldestGeneration)
	}
	if generation > m.newestGeneration+maxGenerationGap {
		return nil, fmt.Errorf("%w: generation %d, newest is %d",
			errGenerationTooNew, generation, m.newestGeneration)
	}

	lifetimeSec := uint64(m.clk.Now().Sub(m.ratchetCreation) / time.Second)
	maxLifetimeGenerations := uint32(maxFramesPerSecond * lifetimeSec >> ratchetGenerationShiftBits)
	if generation > maxLifetimeGenerations {
		return nil, fmt.Errorf("%w: generation %d, ratchet lifetime allows %d",
			errGenerationLifetime, generation, maxLifetimeGenerations)
	}

	if ec, ok := m.ciphers[generation]; ok {
		return ec.cipher, nil
	}
	ec, err := m.makeExpiringCipher(generation)
	if err != nil {
		return nil, err
	}
	m.ciphers[generation] = ec
	return ec.cipher, nil
}

func (m *cipherManager) reportCipherSuccess(generation uint32, nonce uint32) {
	bigNonce := computeWrappedBigNonce(generation, nonce)

	switch {
	case !m.hasProcessedNonce || bigNonce > m.newestProcessedNonce:
		m.hasProcessedNonce = true
		var oldestMissing uint64
		if bigNonce > maxMissingNonces {
			oldestMissing = bigNonce - maxMissingNonces
		}
		for len(m.missingNonces) > 0 && m.missingNonces[0] < oldestMissing {
			m.missingNonces = m.missingNonces[1:]
		}
		missingStart := m.newestProcessedNonce + 1
		if oldestMissing > missingStart {
			missingStart = oldestMissing
		}
		for i := missingStart; i < bigNonce; i++ {
			m.missingNonces = append(m.missingNonces, i)
		}
		m.newestProcessedNonce = bigNonce
	default:
		for i, missing := range m.missingNonces {
			if missing == bigNonce {
				m.missingNonces = append(m.missingNonces[:i], m.missingNonces[i+1:]...)
				break
			}
		}
	}

	if generation <= m.newestGeneration {
		return
	}
	if _, ok := m.ciphers[generation]; !ok {
		return
	}
	logDave.Infof("cipher success advances newest generation to %d", generation)
	m.newestGeneration = generation

	expiryTime := m.clk.Now().Add(cipherExpiry)
	for gen, ec := range m.ciphers {
		if gen < m.newestGeneration {
			if ec.expiry.IsZero() || expiryTime.Before(ec.expiry) {
				ec.expiry = expiryTime
			}
		}
	}
}

func (m *cipherManager) updateExpiry(deadline time.Time) {
	if m.ratchetExpiry.IsZero() || deadline.Before(m.ratchetExpiry) {
		m.ratchetExpiry = deadline
	}
}

func (m *cipherManager) isExpired() bool {
	return !m.ratchetExpiry.IsZero() && m.ratchetExpiry.Before(m.clk.Now())
}

func (m *cipherManager) makeExpiringCipher(generation uint32) (*expiringCipher, error) {
	key, err := m.ratchet.GetKey(generation)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("no key for generation %d: %w", generation, err)
	}
	c, err := newAEADCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed for generation %d: %w", generation, err)
	}
	ec := &expiringCipher{cipher: c}
	if generation < m.newestGeneration {
		// Out-of-order frame for an already superseded generation; the
		// cipher starts life on borrowed time.
		logDave.Infof("creating cipher for old generation %d", generation)
		ec.expiry = m.clk.Now().Add(cipherExpiry)
	} else {
		logDave.Infof("creating cipher for new generation %d", generation)
	}
	return ec, nil
}

func (m *cipherManager) cleanupExpiredCiphers() {
	now := m.clk.Now()
	for gen, ec := range m.ciphers {
		if ec.expired(now) {
			logDave.Infof("removing expired cipher for generation %d", gen)
			delete(m.ciphers, gen)
		}
	}
	for m.oldestGeneration < m.newestGeneration {
		if _, ok := m.ciphers[m.oldestGeneration]; ok {
			break
		}
		logDave.Infof("deleting ratchet key for old generation %d", m.oldestGeneration)
		m.ratchet.DeleteKey(m.oldestGeneration)
		m.oldestGeneration++
	}
}
