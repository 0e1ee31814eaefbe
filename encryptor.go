package main

import (
	"encoding/binary"
	"sync"
	"time"
)

type encryptStats struct {
	passthroughCount    uint64
	encryptSuccessCount uint64
	encryptFailureCount uint64
	encryptDuration     time.Duration
	encryptAttempts     uint64
	encryptMaxAttempts  uint64
}

// encryptor owns the self key ratchet and turns plaintext media frames
// into the encrypted wire layout.
type encryptor struct {
	clk clock

	keyGenMu             sync.Mutex
	ratchet              keyRatchet
	cryptor              *aeadCipher
	currentKeyGeneration uint32
	truncatedNonce       uint32

	frameProcessorsMu sync.Mutex
	frameProcessors   []*outboundFrameProcessor

	ssrcMu        sync.Mutex
	ssrcCodecs    map[uint32]codecType
	passthrough   bool
	protocolVer   uint16
	onProtocolVer func()

	statsMu       sync.Mutex
	stats         [2]encryptStats
	lastStatsTime time.Time
}

func newEncryptor(clk clock) *encryptor {
	return &encryptor{
		clk:           clk,
		ssrcCodecs:    make(map[uint32]codecType),
		protocolVer:   maxSupportedDaveProtocolVersion,
		lastStatsTime: clk.Now(),
	}
}

func (e *encryptor) setKeyRatchet(ratchet keyRatchet) {
	e.keyGenMu.Lock()
	defer e.keyGenMu.Unlock()
	e.ratchet = ratchet
	e.cryptor = nil
	e.currentKeyGeneration = 0
	e.truncatedNonce = 0
}

func (e *encryptor) setPassthroughMode(passthrough bool) {
	e.ssrcMu.Lock()
	e.passthrough = passthrough
	e.ssrcMu.Unlock()
	if passthrough {
		e.updateProtocolVersion(disabledDaveVersion)
	} else {
		e.updateProtocolVersion(maxSupportedDaveProtocolVersion)
	}
}

func (e *encryptor) assignSSRCToCodec(ssrc uint32, codec codecType) {
	e.ssrcMu.Lock()
	e.ssrcCodecs[ssrc] = codec
	e.ssrcMu.Unlock()
}

func (e *encryptor) codecForSSRC(ssrc uint32) codecType {
	e.ssrcMu.Lock()
	defer e.ssrcMu.Unlock()
	return e.ssrcCodecs[ssrc]
}

func (e *encryptor) maxCiphertextByteSize(_ mediaType, frameSize int) int {
	return frameSize + supplementalOverhead + transformPaddingBytes
}

// encrypt writes the encrypted frame into out and returns the number of
// bytes written. A nil error with 0 bytes only happens for non-media
// input.
func (e *encryptor) encrypt(media mediaType, ssrc uint32, frame []byte, out []byte) (int, error) {
	if media != mediaAudio && media != mediaVideo {
		logDave.Warningf("encrypt failed, invalid media type %d", media)
		return 0, errInvalidMediaType
	}

	e.ssrcMu.Lock()
	passthrough := e.passthrough
	e.ssrcMu.Unlock()
	if passthrough {
		copy(out, frame)
		e.statsMu.Lock()
		e.stats[media].passthroughCount++
		e.statsMu.Unlock()
		return len(frame), nil
	}

	e.keyGenMu.Lock()
	noRatchet := e.ratchet == nil
	e.keyGenMu.Unlock()
	if noRatchet {
		e.statsMu.Lock()
		e.stats[media].encryptFailureCount++
		e.statsMu.Unlock()
		return 0, errNoRatchet
	}

	start := e.clk.Now()

	codec := e.codecForSSRC(ssrc)
	fp := e.getFrameProcessor()
	defer e.returnFrameProcessor(fp)

	fp.processFrame(frame, codec)

	unencrypted := fp.unencryptedBytes
	plaintext := fp.encryptedBytes
	rangesSize := unencryptedRangesSize(fp.unencryptedRanges)
	frameSize := len(unencrypted) + len(plaintext)

	var written int
	var err error
	nonceBuf := make([]byte, aesGCMNonceBytes)

	for attempt := 1; attempt <= maxCiphertextValidationRetries; attempt++ {
		cryptor, truncatedNonce := e.nextCryptorAndNonce()
		if cryptor == nil {
			err = errEncryptionFailure
			break
		}

		// The cipher wants the full 12-byte nonce; the wire only carries
		// the truncated counter at the fixed offset.
		binary.LittleEndian.PutUint32(nonceBuf[aesGCMTruncatedSyncNonceOff:], truncatedNonce)

		tag := out[frameSize : frameSize+aesGCMTruncatedTagBytes]
		ok := cryptor.encrypt(fp.ciphertextBytes, plaintext, nonceBuf, unencrypted, tag)

		e.statsMu.Lock()
		e.stats[media].encryptAttempts++
		if uint64(attempt) > e.stats[media].encryptMaxAttempts {
			e.stats[media].encryptMaxAttempts = uint64(attempt)
		}
		e.statsMu.Unlock()

		if !ok {
			err = errEncryptionFailure
			break
		}

		if fp.reconstructFrame(out) != frameSize {
			err = errEncryptionFailure
			break
		}

		nonceSize := leb128Size(uint64(truncatedNonce))
		at := frameSize + aesGCMTruncatedTagBytes
		at += writeLeb128(uint64(truncatedNonce), out[at:])
		n := serializeUnencryptedRanges(fp.unencryptedRanges, out[at:at+rangesSize])
		if n != rangesSize {
			err = errEncryptionFailure
			break
		}
		at += rangesSize
		out[at] = byte(supplementalOverhead + nonceSize + rangesSize)
		at++
		binary.LittleEndian.PutUint16(out[at:], magicMarker)
		at += 2

		if validateEncryptedFrame(fp, out[:at]) {
			written = at
			break
		}
		if attempt >= maxCiphertextValidationRetries {
			err = errEncryptionFailure
			break
		}
	}

	now := e.clk.Now()
	e.statsMu.Lock()
	e.stats[media].encryptDuration += now.Sub(start)
	if err == nil {
		e.stats[media].encryptSuccessCount++
	} else {
		e.stats[media].encryptFailureCount++
	}
	logIt := now.After(e.lastStatsTime.Add(statsInterval))
	if logIt {
		e.lastStatsTime = now
	}
	audio, video := e.stats[mediaAudio], e.stats[mediaVideo]
	e.statsMu.Unlock()

	if logIt {
		logDave.Infof("encrypted audio: %d, video: %d. failed audio: %d, video: %d",
			audio.encryptSuccessCount, video.encryptSuccessCount,
			audio.encryptFailureCount, video.encryptFailureCount)
	}

	if err != nil {
		return 0, err
	}
	return written, nil
}

func (e *encryptor) nextCryptorAndNonce() (*aeadCipher, uint32) {
	e.keyGenMu.Lock()
	defer e.keyGenMu.Unlock()
	if e.ratchet == nil {
		return nil, 0
	}

	e.truncatedNonce++
	generation := computeWrappedGeneration(e.currentKeyGeneration,
		e.truncatedNonce>>ratchetGenerationShiftBits)

	if generation != e.currentKeyGeneration || e.cryptor == nil {
		e.currentKeyGeneration = generation
		key, err := e.ratchet.GetKey(generation)
		if err != nil {
			logDave.Errorf("ratchet has no key for generation %d: %v", generation, err)
			return nil, 0
		}
		cryptor, err := newAEADCipher(key)
		if err != nil {
			logDave.Errorf("cipher creation failed: %v", err)
			return nil, 0
		}
		e.cryptor = cryptor
	}
	return e.cryptor, e.truncatedNonce
}

func (e *encryptor) getFrameProcessor() *outboundFrameProcessor {
	e.frameProcessorsMu.Lock()
	defer e.frameProcessorsMu.Unlock()
	if len(e.frameProcessors) == 0 {
		return &outboundFrameProcessor{}
	}
	fp := e.frameProcessors[len(e.frameProcessors)-1]
	e.frameProcessors = e.frameProcessors[:len(e.frameProcessors)-1]
	return fp
}

func (e *encryptor) returnFrameProcessor(fp *outboundFrameProcessor) {
	e.frameProcessorsMu.Lock()
	e.frameProcessors = append(e.frameProcessors, fp)
	e.frameProcessorsMu.Unlock()
}

func (e *encryptor) setProtocolVersionChangedHandler(fn func()) {
	e.ssrcMu.Lock()
	e.onProtocolVer = fn
	e.ssrcMu.Unlock()
}

func (e *encryptor) updateProtocolVersion(version uint16) {
	e.ssrcMu.Lock()
	changed := version != e.protocolVer
	e.protocolVer = version
	fn := e.onProtocolVer
	e.ssrcMu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

func (e *encryptor) protocolVersion() uint16 {
	e.ssrcMu.Lock()
	defer e.ssrcMu.Unlock()
	return e.protocolVer
}
