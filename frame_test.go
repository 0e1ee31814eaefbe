package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnencryptedRangesRoundTrip(t *testing.T) {
	ranges := []byteRange{{offset: 0, size: 2}, {offset: 10, size: 5}, {offset: 300, size: 1}}
	size := unencryptedRangesSize(ranges)
	buf := make([]byte, size)
	require.Equal(t, size, serializeUnencryptedRanges(ranges, buf))

	decoded, ok := deserializeUnencryptedRanges(buf)
	require.True(t, ok)
	require.Equal(t, ranges, decoded)
}

func TestValidateUnencryptedRanges(t *testing.T) {
	require.True(t, validateUnencryptedRanges(nil, 10))
	require.True(t, validateUnencryptedRanges([]byteRange{{0, 2}, {5, 3}}, 10))
	// Overlap.
	require.False(t, validateUnencryptedRanges([]byteRange{{0, 4}, {2, 3}}, 10))
	// Past the end.
	require.False(t, validateUnencryptedRanges([]byteRange{{8, 3}}, 10))
}

func TestOutboundProcessorOpus(t *testing.T) {
	var p outboundFrameProcessor
	frame := []byte{1, 2, 3, 4, 5}
	p.processFrame(frame, codecOpus)

	require.Empty(t, p.unencryptedBytes)
	require.Equal(t, frame, p.encryptedBytes)
	require.Empty(t, p.unencryptedRanges)
	require.Len(t, p.ciphertextBytes, len(frame))
}

func TestOutboundProcessorVP8Header(t *testing.T) {
	var p outboundFrameProcessor
	// No extension bit: a single descriptor byte stays clear.
	frame := []byte{0x10, 0xAA, 0xBB, 0xCC}
	p.processFrame(frame, codecVP8)

	require.Equal(t, []byte{0x10}, p.unencryptedBytes)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, p.encryptedBytes)
	require.Equal(t, []byteRange{{offset: 0, size: 1}}, p.unencryptedRanges)
}

func TestOutboundReconstruct(t *testing.T) {
	var p outboundFrameProcessor
	frame := []byte{0x10, 0xAA, 0xBB, 0xCC}
	p.processFrame(frame, codecVP8)

	// Without encryption the ciphertext buffer is zeroed, so the
	// reconstruction keeps the header and zeroes the rest.
	out := make([]byte, len(frame))
	n := p.reconstructFrame(out)
	require.Equal(t, len(frame), n)
	require.Equal(t, []byte{0x10, 0, 0, 0}, out)

	copy(p.ciphertextBytes, p.encryptedBytes)
	n = p.reconstructFrame(out)
	require.Equal(t, len(frame), n)
	require.Equal(t, frame, out)
}

func TestInboundProcessorRejectsNoMagic(t *testing.T) {
	var p inboundFrameProcessor
	// No marker: a passthrough candidate, not a parse failure.
	require.NoError(t, p.parseFrame([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}))
	require.False(t, p.isEncrypted)
}

func TestInboundProcessorRejectsBadSuppSize(t *testing.T) {
	frame := make([]byte, 20)
	binary.LittleEndian.PutUint16(frame[len(frame)-2:], magicMarker)
	frame[len(frame)-3] = 255
	var p inboundFrameProcessor
	require.ErrorIs(t, p.parseFrame(frame), errFrameParseFailure)
	require.False(t, p.isEncrypted)
}

func TestInboundProcessorParsesOutboundLayout(t *testing.T) {
	// Hand-assemble a frame: 4 ciphertext bytes, tag, nonce=1, no
	// ranges, supp size, magic.
	ct := []byte{0xA1, 0xA2, 0xA3, 0xA4}
	tag := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	frame := append(append([]byte(nil), ct...), tag...)
	frame = append(frame, 0x01) // leb128 nonce
	frame = append(frame, byte(supplementalOverhead+1))
	frame = binary.LittleEndian.AppendUint16(frame, magicMarker)

	var p inboundFrameProcessor
	require.NoError(t, p.parseFrame(frame))
	require.True(t, p.isEncrypted)
	require.Equal(t, uint32(1), p.truncatedNonce)
	require.Equal(t, tag, p.tag)
	require.Empty(t, p.authenticated)
	require.Equal(t, ct, p.ciphertext)
	require.Len(t, p.plaintext, len(ct))
}

func TestValidateEncryptedFrameH264(t *testing.T) {
	var p outboundFrameProcessor
	frame := []byte{0, 0, 1, 0x65, 0xAA, 0xBB, 0xCC, 0xDD}
	p.processFrame(frame, codecH264)
	require.NotEmpty(t, p.unencryptedRanges)

	good := []byte{0, 0, 1, 0x65, 0x11, 0x22, 0x33, 0x44}
	require.True(t, validateEncryptedFrame(&p, good))

	bad := []byte{0, 0, 1, 0x65, 0x11, 0x00, 0x00, 0x01}
	require.False(t, validateEncryptedFrame(&p, bad))
}
