package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func testRatchet() *hashKeyRatchet {
	base := make([]byte, 32)
	for i := range base {
		base[i] = byte(i * 3)
	}
	return newHashKeyRatchet(base)
}

func TestComputeWrappedGeneration(t *testing.T) {
	require.Equal(t, uint32(0), computeWrappedGeneration(0, 0))
	require.Equal(t, uint32(5), computeWrappedGeneration(0, 5))
	require.Equal(t, uint32(256), computeWrappedGeneration(255, 0))
	require.Equal(t, uint32(257), computeWrappedGeneration(256, 1))
	require.Equal(t, uint32(511), computeWrappedGeneration(300, 255))
}

func TestComputeWrappedBigNonce(t *testing.T) {
	require.Equal(t, uint64(1), computeWrappedBigNonce(0, 1))
	require.Equal(t, uint64(1)<<24|5, computeWrappedBigNonce(1, (1<<24)|5))
	// Generation bits in the nonce are masked out.
	require.Equal(t, uint64(2)<<24|9, computeWrappedBigNonce(2, (7<<24)|9))
}

func TestCanProcessNonceReplay(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())

	require.True(t, m.canProcessNonce(0, 1))
	m.reportCipherSuccess(0, 1)
	require.False(t, m.canProcessNonce(0, 1))
	require.True(t, m.canProcessNonce(0, 2))
}

func TestReportCipherSuccessOutOfOrder(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())

	m.reportCipherSuccess(0, 3)
	require.Equal(t, uint64(3), m.newestProcessedNonce)
	require.Equal(t, []uint64{1, 2}, m.missingNonces)

	require.True(t, m.canProcessNonce(0, 1))
	m.reportCipherSuccess(0, 1)
	require.True(t, m.canProcessNonce(0, 2))
	m.reportCipherSuccess(0, 2)
	require.Empty(t, m.missingNonces)

	require.False(t, m.canProcessNonce(0, 1))
	require.False(t, m.canProcessNonce(0, 2))
	require.False(t, m.canProcessNonce(0, 3))
}

func TestMissingNonceWindowBounded(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())

	m.reportCipherSuccess(0, 1)
	m.reportCipherSuccess(0, 500)
	require.LessOrEqual(t, len(m.missingNonces), maxMissingNonces)
	// Entries older than newest-50 were dropped.
	require.Equal(t, uint64(450), m.missingNonces[0])
	require.False(t, m.canProcessNonce(0, 400))
	require.True(t, m.canProcessNonce(0, 460))
}

func TestGetCipherGates(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())

	// Generation 0 at age zero is fine.
	c, err := m.getCipher(0)
	require.NoError(t, err)
	require.NotNil(t, c)

	// Too far in the future.
	_, err = m.getCipher(maxGenerationGap + 1)
	require.ErrorIs(t, err, errGenerationTooNew)

	// Beyond what the ratchet could have produced at this age.
	_, err = m.getCipher(1)
	require.ErrorIs(t, err, errGenerationLifetime)

	// After enough wall time the lifetime gate opens.
	clk.advance(time.Duration(1<<24/maxFramesPerSecond+1) * time.Second)
	c, err = m.getCipher(1)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestGetCipherRejectsOldGeneration(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())
	clk.advance(time.Duration(2<<24/maxFramesPerSecond) * time.Second)

	_, err := m.getCipher(0)
	require.NoError(t, err)
	m.reportCipherSuccess(0, 1)
	_, err = m.getCipher(1)
	require.NoError(t, err)
	m.reportCipherSuccess(1, (1<<24)|1)

	clk.advance(cipherExpiry + time.Second)
	_, err = m.getCipher(0)
	require.ErrorIs(t, err, errGenerationTooOld)
}

func TestGenerationAdvanceExpiresOldCiphers(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())
	clk.advance(time.Duration(2<<24/maxFramesPerSecond) * time.Second)

	_, err := m.getCipher(0)
	require.NoError(t, err)
	m.reportCipherSuccess(0, 1)

	_, err = m.getCipher(1)
	require.NoError(t, err)
	m.reportCipherSuccess(1, (1<<24)|1)
	require.Equal(t, uint32(1), m.newestGeneration)

	// The old generation now has a bounded expiry.
	ec := m.ciphers[0]
	require.False(t, ec.expiry.IsZero())

	clk.advance(cipherExpiry + time.Second)
	_, err = m.getCipher(1)
	require.NoError(t, err)
	_, gone := m.ciphers[0]
	require.False(t, gone)
	require.Equal(t, uint32(1), m.oldestGeneration)

	// The underlying ratchet deleted generation 0 for good.
	_, err = m.ratchet.GetKey(0)
	require.Error(t, err)
}

func TestManagerExpiry(t *testing.T) {
	clk := newFakeClock()
	m := newCipherManager(clk, testRatchet())

	require.False(t, m.isExpired())
	m.updateExpiry(clk.Now().Add(100 * time.Millisecond))
	require.False(t, m.isExpired())
	clk.advance(200 * time.Millisecond)
	require.True(t, m.isExpired())

	// A later deadline never extends the expiry.
	m.updateExpiry(clk.Now().Add(time.Hour))
	require.True(t, m.isExpired())
}

func TestHashKeyRatchetOneWay(t *testing.T) {
	r := testRatchet()

	k0, err := r.GetKey(0)
	require.NoError(t, err)
	require.Len(t, k0, aesGCMKeyBytes)

	k1, err := r.GetKey(1)
	require.NoError(t, err)
	require.NotEqual(t, k0, k1)

	// Same generation is stable.
	again, err := r.GetKey(1)
	require.NoError(t, err)
	require.Equal(t, k1, again)

	r.DeleteKey(0)
	_, err = r.GetKey(0)
	require.Error(t, err)

	// Deleting g removes everything at or below g.
	r.DeleteKey(5)
	_, err = r.GetKey(3)
	require.Error(t, err)
	_, err = r.GetKey(6)
	require.NoError(t, err)
}

func TestHashKeyRatchetDeterministic(t *testing.T) {
	a := testRatchet()
	b := testRatchet()
	for gen := uint32(0); gen < 4; gen++ {
		ka, err := a.GetKey(gen)
		require.NoError(t, err)
		kb, err := b.GetKey(gen)
		require.NoError(t, err)
		require.Equal(t, ka, kb)
	}
}
