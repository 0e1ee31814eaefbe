package main

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"
)

type decryptStats struct {
	passthroughCount    uint64
	decryptSuccessCount uint64
	decryptFailureCount uint64
	decryptAttempts     uint64
	decryptDuration     time.Duration
}

// decryptor holds the active cipher managers for one remote user,
// newest last. Frames are tried against the newest ratchet first.
// Passthrough is denied until a transition explicitly opens it.
type decryptor struct {
	clk clock

	mu                   sync.Mutex
	cipherManagers       []*cipherManager
	allowPassThroughTill time.Time // zero means never opened
	passThroughForever   bool

	frameProcessorsMu sync.Mutex
	frameProcessors   []*inboundFrameProcessor

	statsMu       sync.Mutex
	stats         [2]decryptStats
	lastStatsTime time.Time
}

func newDecryptor(clk clock) *decryptor {
	return &decryptor{clk: clk, lastStatsTime: clk.Now()}
}

// transitionToKeyRatchet installs a new ratchet and starts the clock on
// every older one.
func (d *decryptor) transitionToKeyRatchet(ratchet keyRatchet, transitionExpiry time.Duration) {
	logDave.Infof("transitioning to new key ratchet, expiry %s", transitionExpiry)
	d.mu.Lock()
	defer d.mu.Unlock()
	deadline := d.clk.Now().Add(transitionExpiry)
	for _, m := range d.cipherManagers {
		m.updateExpiry(deadline)
	}
	if ratchet != nil {
		d.cipherManagers = append(d.cipherManagers, newCipherManager(d.clk, ratchet))
	}
}

func (d *decryptor) transitionToPassthroughMode(passthrough bool, transitionExpiry time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if passthrough {
		d.passThroughForever = true
		return
	}
	// Closing the window leaves a grace period so frames already in
	// flight still land; a window that was never opened stays shut.
	deadline := d.clk.Now().Add(transitionExpiry)
	if d.passThroughForever {
		d.allowPassThroughTill = deadline
	} else if deadline.Before(d.allowPassThroughTill) {
		d.allowPassThroughTill = deadline
	}
	d.passThroughForever = false
}

// decrypt writes the recovered frame into out and returns the number of
// bytes written; 0 means the frame was dropped.
func (d *decryptor) decrypt(media mediaType, encryptedFrame []byte, out []byte) int {
	if media != mediaAudio && media != mediaVideo {
		logDave.Warningf("decrypt failed, invalid media type %d", media)
		return 0
	}

	start := d.clk.Now()

	// Silence frames bypass the whole transform.
	if media == mediaAudio && bytes.Equal(encryptedFrame, opusSilencePacket) {
		copy(out, encryptedFrame)
		return len(encryptedFrame)
	}

	fp := d.getFrameProcessor()
	defer d.returnFrameProcessor(fp)

	d.mu.Lock()
	d.cleanupExpiredCipherManagers()
	canPassThrough := d.passThroughForever || d.allowPassThroughTill.After(start)
	managers := make([]*cipherManager, len(d.cipherManagers))
	copy(managers, d.cipherManagers)
	d.mu.Unlock()

	if err := fp.parseFrame(encryptedFrame); err != nil {
		// A marked but malformed frame is still treated as unencrypted;
		// during a passthrough window it may be plaintext that happens
		// to end in the marker bytes.
		logDave.Debugf("decrypt: %v", err)
	}

	if !fp.isEncrypted {
		if canPassThrough {
			copy(out, encryptedFrame)
			d.statsMu.Lock()
			d.stats[media].passthroughCount++
			d.statsMu.Unlock()
			return len(encryptedFrame)
		}
		logDave.Infof("decrypt failed, unencrypted frame: %v", errPassthroughDisabled)
		d.statsMu.Lock()
		d.stats[media].decryptFailureCount++
		d.statsMu.Unlock()
		return 0
	}

	success := false
	d.mu.Lock()
	for i := len(managers) - 1; i >= 0; i-- {
		if d.decryptWithManager(managers[i], media, fp) {
			success = true
			break
		}
	}
	d.mu.Unlock()

	bytesWritten := 0
	if success {
		d.statsMu.Lock()
		d.stats[media].decryptSuccessCount++
		d.statsMu.Unlock()
		bytesWritten = fp.reconstructFrame(out)
	} else {
		d.statsMu.Lock()
		d.stats[media].decryptFailureCount++
		d.statsMu.Unlock()
		logDave.Warningf("%v: no valid cipher for frame of %d bytes, %d managers, passthrough %v",
			errDecryptionFailure, len(encryptedFrame), len(managers), canPassThrough)
	}

	end := d.clk.Now()
	d.statsMu.Lock()
	d.stats[media].decryptDuration += end.Sub(start)
	logIt := end.After(d.lastStatsTime.Add(statsInterval))
	if logIt {
		d.lastStatsTime = end
	}
	audio, video := d.stats[mediaAudio], d.stats[mediaVideo]
	d.statsMu.Unlock()
	if logIt {
		logDave.Infof("decrypted audio: %d, video: %d. failed audio: %d, video: %d",
			audio.decryptSuccessCount, video.decryptSuccessCount,
			audio.decryptFailureCount, video.decryptFailureCount)
	}

	return bytesWritten
}

func (d *decryptor) decryptWithManager(m *cipherManager, media mediaType, fp *inboundFrameProcessor) bool {
	nonceBuf := make([]byte, aesGCMNonceBytes)
	binary.LittleEndian.PutUint32(nonceBuf[aesGCMTruncatedSyncNonceOff:], fp.truncatedNonce)

	generation := m.computeWrappedGeneration(fp.truncatedNonce >> ratchetGenerationShiftBits)

	if !m.canProcessNonce(generation, fp.truncatedNonce) {
		logDave.Infof("decrypt failed, %v: nonce %d", errReplayedNonce, fp.truncatedNonce)
		return false
	}

	cryptor, err := m.getCipher(generation)
	if err != nil {
		logDave.Infof("decrypt failed: %v", err)
		return false
	}

	ok := cryptor.decrypt(fp.plaintext, fp.ciphertext, fp.tag, nonceBuf, fp.authenticated)
	d.statsMu.Lock()
	d.stats[media].decryptAttempts++
	d.statsMu.Unlock()

	if ok {
		m.reportCipherSuccess(generation, fp.truncatedNonce)
	}
	return ok
}

func (d *decryptor) maxPlaintextByteSize(_ mediaType, encryptedFrameSize int) int {
	return encryptedFrameSize
}

func (d *decryptor) cleanupExpiredCipherManagers() {
	for len(d.cipherManagers) > 0 && d.cipherManagers[0].isExpired() {
		logDave.Info("removing expired cipher manager")
		d.cipherManagers = d.cipherManagers[1:]
	}
}

func (d *decryptor) getFrameProcessor() *inboundFrameProcessor {
	d.frameProcessorsMu.Lock()
	defer d.frameProcessorsMu.Unlock()
	if len(d.frameProcessors) == 0 {
		return &inboundFrameProcessor{}
	}
	fp := d.frameProcessors[len(d.frameProcessors)-1]
	d.frameProcessors = d.frameProcessors[:len(d.frameProcessors)-1]
	return fp
}

func (d *decryptor) returnFrameProcessor(fp *inboundFrameProcessor) {
	d.frameProcessorsMu.Lock()
	d.frameProcessors = append(d.frameProcessors, fp)
	d.frameProcessorsMu.Unlock()
}
