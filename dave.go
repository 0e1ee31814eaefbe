package main

import (
	"errors"
	"time"
)

// Media-frame transform constants. The truncated nonce rides on the wire;
// its top byte selects the key-ratchet generation.
const (
	aesGCMKeyBytes                = 16
	aesGCMNonceBytes              = 12
	aesGCMTruncatedSyncNonceBytes = 4
	aesGCMTruncatedSyncNonceOff   = aesGCMNonceBytes - aesGCMTruncatedSyncNonceBytes
	aesGCMTruncatedTagBytes       = 8

	ratchetGenerationBytes     = 1
	ratchetGenerationShiftBits = 8 * (aesGCMTruncatedSyncNonceBytes - ratchetGenerationBytes)
	generationWrap             = 1 << (8 * ratchetGenerationBytes)

	magicMarker uint16 = 0xFAFA

	// supplementalOverhead covers tag + size byte + marker; the nonce and
	// range bytes are variable and added per frame.
	supplementalOverhead = aesGCMTruncatedTagBytes + 1 + 2

	transformPaddingBytes = 64

	maxGenerationGap                = 250
	maxMissingNonces                = 50
	maxFramesPerSecond              = 50
	maxCiphertextValidationRetries  = 10
	cipherExpiry                    = 10 * time.Second
	defaultTransitionExpiry         = 10 * time.Second
	defaultTransitionExpirySeconds  = 10
	statsInterval                   = 10 * time.Second
	maxSupportedDaveProtocolVersion = 1
	disabledDaveVersion             = 0
	initTransitionID                = 0
)

const (
	opusSampleRateHz    = 48000
	opusChannelCount    = 2
	opusFrameDurationMs = 20
	audioTrackMarker    = 0xFFFF
)

var opusSilencePacket = []byte{0xF8, 0xFF, 0xFE}

type mediaType uint8

const (
	mediaAudio mediaType = iota
	mediaVideo
)

type codecType uint8

const (
	codecUnknown codecType = iota
	codecOpus
	codecVP8
	codecVP9
	codecH264
	codecH265
	codecAV1
)

var (
	errInvalidMediaType    = errors.New("invalid media type")
	errNoRatchet           = errors.New("no key ratchet set")
	errEncryptionFailure   = errors.New("encryption failure")
	errDecryptionFailure   = errors.New("decryption failure")
	errReplayedNonce       = errors.New("replayed nonce")
	errGenerationTooOld    = errors.New("generation older than oldest tracked")
	errGenerationTooNew    = errors.New("generation too far in the future")
	errGenerationLifetime  = errors.New("generation beyond ratchet lifetime")
	errFrameParseFailure   = errors.New("frame parse failure")
	errPassthroughDisabled = errors.New("passthrough disabled")
	errTransportSetup      = errors.New("transport setup failure")
)

// keyRatchet is a one-way map from generation to symmetric key. Once a
// generation is deleted no key for it, or any earlier generation, may be
// produced again.
type keyRatchet interface {
	GetKey(generation uint32) ([]byte, error)
	DeleteKey(generation uint32)
}
