package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPair(clk clock) (*encryptor, *decryptor) {
	enc := newEncryptor(clk)
	enc.setKeyRatchet(testRatchet())
	dec := newDecryptor(clk)
	dec.transitionToKeyRatchet(testRatchet(), defaultTransitionExpiry)
	return enc, dec
}

func TestEncryptDecryptSymmetry(t *testing.T) {
	clk := newFakeClock()
	enc, dec := newTestPair(clk)

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err := enc.encrypt(mediaAudio, 1234, frame, wire)
	require.NoError(t, err)
	wire = wire[:n]

	// Frame ends with the magic marker and carries the supplemental
	// size one byte before it.
	require.Equal(t, uint16(magicMarker), binary.LittleEndian.Uint16(wire[len(wire)-2:]))
	suppSize := int(wire[len(wire)-3])
	require.Equal(t, len(frame)+suppSize, len(wire))

	var fp inboundFrameProcessor
	require.NoError(t, fp.parseFrame(wire))
	require.True(t, fp.isEncrypted)
	require.Equal(t, uint32(1), fp.truncatedNonce)

	out := make([]byte, dec.maxPlaintextByteSize(mediaAudio, len(wire)))
	written := dec.decrypt(mediaAudio, wire, out)
	require.Equal(t, len(frame), written)
	require.Equal(t, frame, out[:written])
}

func TestReplayRejection(t *testing.T) {
	clk := newFakeClock()
	enc, dec := newTestPair(clk)

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err := enc.encrypt(mediaAudio, 1234, frame, wire)
	require.NoError(t, err)
	wire = wire[:n]

	out := make([]byte, len(wire))
	require.Equal(t, len(frame), dec.decrypt(mediaAudio, wire, out))

	// The exact same wire bytes are a replay.
	require.Equal(t, 0, dec.decrypt(mediaAudio, wire, out))
	require.Equal(t, uint64(1), dec.stats[mediaAudio].decryptFailureCount)
	require.False(t, dec.cipherManagers[0].canProcessNonce(0, 1))
}

func TestOutOfOrderAccepted(t *testing.T) {
	clk := newFakeClock()
	enc, dec := newTestPair(clk)

	var wires [][]byte
	for i := 0; i < 3; i++ {
		frame := []byte{byte(i), 0x55, 0x66}
		wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
		n, err := enc.encrypt(mediaAudio, 1, frame, wire)
		require.NoError(t, err)
		wires = append(wires, wire[:n])
	}

	// Deliver 3, 1, 2.
	for _, idx := range []int{2, 0, 1} {
		out := make([]byte, len(wires[idx]))
		written := dec.decrypt(mediaAudio, wires[idx], out)
		require.NotZero(t, written, "frame %d failed", idx)
		require.Equal(t, byte(idx), out[0])
	}

	m := dec.cipherManagers[0]
	require.Equal(t, uint64(3), m.newestProcessedNonce)
	require.Empty(t, m.missingNonces)
}

func TestPassthroughDeniedByDefault(t *testing.T) {
	clk := newFakeClock()
	dec := newDecryptor(clk)
	dec.transitionToKeyRatchet(testRatchet(), defaultTransitionExpiry)

	// No transition ever opened passthrough: unencrypted frames drop.
	plainOpus := []byte{0x42, 0x43, 0x44}
	out := make([]byte, len(plainOpus))
	require.Zero(t, dec.decrypt(mediaAudio, plainOpus, out))
	require.Equal(t, uint64(1), dec.stats[mediaAudio].decryptFailureCount)

	// Closing a window that was never opened keeps it shut.
	dec.transitionToPassthroughMode(false, 200*time.Millisecond)
	require.Zero(t, dec.decrypt(mediaAudio, plainOpus, out))
}

func TestPassthroughWindow(t *testing.T) {
	clk := newFakeClock()
	dec := newDecryptor(clk)
	dec.transitionToKeyRatchet(testRatchet(), defaultTransitionExpiry)

	dec.transitionToPassthroughMode(true, 0)
	dec.transitionToPassthroughMode(false, 200*time.Millisecond)

	plainOpus := []byte{0x42, 0x43, 0x44}
	out := make([]byte, len(plainOpus))

	clk.advance(100 * time.Millisecond)
	require.Equal(t, len(plainOpus), dec.decrypt(mediaAudio, plainOpus, out))
	require.Equal(t, plainOpus, out)

	clk.advance(200 * time.Millisecond)
	require.Equal(t, 0, dec.decrypt(mediaAudio, plainOpus, out))
}

func TestSilencePassesVerbatim(t *testing.T) {
	clk := newFakeClock()
	dec := newDecryptor(clk)
	dec.transitionToPassthroughMode(false, 0)
	clk.advance(time.Second)

	out := make([]byte, len(opusSilencePacket))
	require.Equal(t, len(opusSilencePacket), dec.decrypt(mediaAudio, opusSilencePacket, out))
	require.Equal(t, opusSilencePacket, out)
}

func TestGenerationAdvance(t *testing.T) {
	clk := newFakeClock()
	enc, dec := newTestPair(clk)

	// Age the ratchets enough that generation 1 is plausible.
	clk.advance(time.Duration(2<<24/maxFramesPerSecond) * time.Second)

	frame := []byte{0xAB, 0xCD}

	encryptAt := func(nonce uint32) []byte {
		enc.keyGenMu.Lock()
		enc.truncatedNonce = nonce
		enc.keyGenMu.Unlock()
		wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
		n, err := enc.encrypt(mediaAudio, 1, frame, wire)
		require.NoError(t, err)
		return wire[:n]
	}

	out := make([]byte, 64)
	wire0 := encryptAt(0) // becomes nonce 1, generation 0
	require.NotZero(t, dec.decrypt(mediaAudio, wire0, out))

	wire1 := encryptAt(1<<24 - 1) // becomes nonce 2^24, generation 1
	require.NotZero(t, dec.decrypt(mediaAudio, wire1, out))

	m := dec.cipherManagers[0]
	require.Equal(t, uint32(1), m.newestGeneration)
	ec := m.ciphers[0]
	require.NotNil(t, ec)
	require.False(t, ec.expiry.IsZero())
	require.True(t, ec.expiry.Before(clk.Now().Add(cipherExpiry+time.Second)))

	// Once the old cipher ages out the oldest generation catches up.
	clk.advance(cipherExpiry + time.Second)
	_, err := m.getCipher(1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.oldestGeneration)
}

func TestRatchetTransitionExpiresOldManagers(t *testing.T) {
	clk := newFakeClock()
	enc, dec := newTestPair(clk)

	frame := []byte{0x11, 0x22}
	wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err := enc.encrypt(mediaAudio, 1, frame, wire)
	require.NoError(t, err)
	wire = wire[:n]

	out := make([]byte, len(wire))
	require.NotZero(t, dec.decrypt(mediaAudio, wire, out))
	require.Len(t, dec.cipherManagers, 1)

	other := make([]byte, 32)
	other[0] = 0xFF
	dec.transitionToKeyRatchet(newHashKeyRatchet(other), 500*time.Millisecond)
	require.Len(t, dec.cipherManagers, 2)

	// Within the window the old ratchet still decrypts.
	wire2 := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err = enc.encrypt(mediaAudio, 1, frame, wire2)
	require.NoError(t, err)
	require.NotZero(t, dec.decrypt(mediaAudio, wire2[:n], out))

	// Past the window the old manager is removed on the next decrypt and
	// the old ratchet's frames stop decrypting.
	clk.advance(time.Second)
	wire3 := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err = enc.encrypt(mediaAudio, 1, frame, wire3)
	require.NoError(t, err)
	require.Zero(t, dec.decrypt(mediaAudio, wire3[:n], out))
	require.Len(t, dec.cipherManagers, 1)
}

func TestEncryptPassthroughMode(t *testing.T) {
	clk := newFakeClock()
	enc := newEncryptor(clk)
	enc.setPassthroughMode(true)

	frame := []byte{9, 8, 7}
	out := make([]byte, 16)
	n, err := enc.encrypt(mediaAudio, 1, frame, out)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, frame, out[:n])
	require.Equal(t, uint64(1), enc.stats[mediaAudio].passthroughCount)
}

func TestEncryptWithoutRatchetFails(t *testing.T) {
	clk := newFakeClock()
	enc := newEncryptor(clk)

	out := make([]byte, 32)
	_, err := enc.encrypt(mediaAudio, 1, []byte{1}, out)
	require.ErrorIs(t, err, errNoRatchet)
}

func TestProtocolVersionCallback(t *testing.T) {
	clk := newFakeClock()
	enc := newEncryptor(clk)

	changes := 0
	enc.setProtocolVersionChangedHandler(func() { changes++ })

	enc.setPassthroughMode(true)
	require.Equal(t, uint16(disabledDaveVersion), enc.protocolVersion())
	require.Equal(t, 1, changes)

	enc.setPassthroughMode(false)
	require.Equal(t, uint16(maxSupportedDaveProtocolVersion), enc.protocolVersion())
	require.Equal(t, 2, changes)
}
