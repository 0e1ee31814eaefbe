package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/rtp"
)

// sendAudioOpus queues one already-encoded opus frame. duration is in
// milliseconds of audio the frame carries.
func (s *voiceSession) sendAudioOpus(opusPacket []byte, durationMs uint64) error {
	s.mu.Lock()
	transport := s.transport
	mls := s.mls
	ssrc := s.ssrc
	s.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("session has no transport key yet")
	}

	frame := opusPacket
	if mls != nil && mls.encryptor != nil && mls.encryptor.protocolVersion() != disabledDaveVersion {
		out := make([]byte, mls.encryptor.maxCiphertextByteSize(mediaAudio, len(opusPacket)))
		n, err := mls.encryptor.encrypt(mediaAudio, ssrc, opusPacket, out)
		if err != nil {
			return fmt.Errorf("dave encrypt: %w", err)
		}
		frame = out[:n]
	}

	s.mu.Lock()
	s.sequence++
	s.timestamp += uint32(durationMs) * (opusSampleRateHz / 1000)
	s.packetNonce++
	seq := s.sequence
	timestamp := s.timestamp
	packetNonce := s.packetNonce
	s.mu.Unlock()

	// The RTP header is authenticated, not encrypted.
	header := buildRTPHeader(seq, timestamp, ssrc)

	var wireNonce [wireNonceBytes]byte
	binary.BigEndian.PutUint32(wireNonce[:], packetNonce)

	encrypted := transport.encrypt(frame, wireNonce[:], header)
	packet := make([]byte, 0, len(header)+len(encrypted)+wireNonceBytes)
	packet = append(packet, header...)
	packet = append(packet, encrypted...)
	packet = append(packet, wireNonce[:]...)

	s.speak()

	duration := durationMs * s.timescale / 1000
	s.streamMu.Lock()
	s.outbuf = append(s.outbuf, voiceOutPacket{packet: packet, duration: duration})
	s.streamMu.Unlock()
	s.signalOutbuf()
	return nil
}

// sendAudioRaw accepts interleaved 48 kHz stereo 16-bit samples,
// encodes 20 ms frames, and queues them.
func (s *voiceSession) sendAudioRaw(pcm []int16) error {
	s.streamMu.Lock()
	encoder := s.encoder
	s.streamMu.Unlock()
	if encoder == nil {
		var err error
		encoder, err = newOpusEncoderEngine(s.cfg.OpusLibPath, opusSampleRateHz, opusChannelCount)
		if err != nil {
			return fmt.Errorf("opus encoder: %w", err)
		}
		s.streamMu.Lock()
		if s.encoder == nil {
			s.encoder = encoder
		} else {
			encoder.Close()
			encoder = s.encoder
		}
		s.streamMu.Unlock()
	}

	for off := 0; off < len(pcm); off += frameSampleCount {
		end := off + frameSampleCount
		if end > len(pcm) {
			end = len(pcm)
		}
		packet, err := encoder.Encode(pcm[off:end])
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		if err := s.sendAudioOpus(packet, opusFrameDurationMs); err != nil {
			return err
		}
	}
	return nil
}

func (s *voiceSession) sendSilence(durationMs uint64) {
	for sent := uint64(0); sent < durationMs; sent += silenceDurationMs {
		packet := append([]byte(nil), opusSilencePacket...)
		if err := s.sendAudioOpus(packet, silenceDurationMs); err != nil {
			s.emitError("failed to send silence: %v", err)
			return
		}
	}
}

// speak sends the speaking notification the first time audio is
// queued.
func (s *voiceSession) speak() {
	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return
	}
	s.sending = true
	ssrc := s.ssrc
	s.mu.Unlock()

	payload, err := marshalGatewayMessage(opSpeaking, speakingData{Speaking: 1, Delay: 0, SSRC: ssrc})
	if err != nil {
		return
	}
	s.queueMessage(payload, true)
}

// insertMarker queues a track marker: a bare 16-bit value too small to
// be an RTP packet, so the sender skips it instead of transmitting.
func (s *voiceSession) insertMarker(metadata string) {
	marker := make([]byte, 2)
	binary.LittleEndian.PutUint16(marker, audioTrackMarker)
	s.streamMu.Lock()
	s.outbuf = append(s.outbuf, voiceOutPacket{packet: marker})
	s.trackMeta = append(s.trackMeta, metadata)
	s.tracks++
	s.streamMu.Unlock()
	s.signalOutbuf()
}

func (s *voiceSession) tracksRemaining() uint32 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if len(s.outbuf) == 0 {
		return 0
	}
	return s.tracks + 1
}

func (s *voiceSession) markerMetadata() []string {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return append([]string(nil), s.trackMeta...)
}

func (s *voiceSession) skipToNextMarker() {
	s.streamMu.Lock()
	skipped := false
	for i, pkt := range s.outbuf {
		if len(pkt.packet) == 2 && binary.LittleEndian.Uint16(pkt.packet) == audioTrackMarker {
			s.outbuf = append(s.outbuf[:0], s.outbuf[i+1:]...)
			skipped = true
			break
		}
	}
	if !skipped {
		s.outbuf = s.outbuf[:0]
	}
	if s.tracks > 0 {
		s.tracks--
	}
	if len(s.trackMeta) > 0 {
		s.trackMeta = s.trackMeta[1:]
	}
	s.streamMu.Unlock()
}

func (s *voiceSession) stopAudio() {
	s.streamMu.Lock()
	s.outbuf = nil
	s.trackMeta = nil
	s.tracks = 0
	s.streamMu.Unlock()
}

func (s *voiceSession) pauseAudio(pause bool) {
	s.mu.Lock()
	s.paused = pause
	s.mu.Unlock()
	if !pause {
		s.signalOutbuf()
	}
}

func (s *voiceSession) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *voiceSession) isPlaying() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return len(s.outbuf) > 0
}

func (s *voiceSession) secsRemaining() float64 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	// duration is stored in timescale units; normalize to seconds.
	var total float64
	for _, pkt := range s.outbuf {
		total += float64(pkt.duration) / float64(s.timescale)
	}
	return total
}

func (s *voiceSession) setSendAudioType(t sendAudioType) {
	s.streamMu.Lock()
	s.sendType = t
	s.streamMu.Unlock()
}

func (s *voiceSession) signalOutbuf() {
	select {
	case s.outbufSignal <- struct{}{}:
	default:
	}
}

// writeReadyLoop paces queued packets out of the socket, simulating a
// live capture device for recorded audio.
func (s *voiceSession) writeReadyLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.outbufSignal:
		}

		for {
			select {
			case <-s.done:
				return
			default:
			}

			s.mu.Lock()
			paused := s.paused
			udp := s.udp
			s.mu.Unlock()
			if paused || udp == nil {
				break
			}

			s.streamMu.Lock()
			if len(s.outbuf) == 0 {
				s.streamMu.Unlock()
				s.mu.Lock()
				s.sending = false
				s.mu.Unlock()
				break
			}
			pkt := s.outbuf[0]
			s.outbuf = s.outbuf[1:]
			sendType := s.sendType
			timescale := s.timescale
			s.streamMu.Unlock()

			// Track markers are never sent on the wire.
			if len(pkt.packet) == 2 && binary.LittleEndian.Uint16(pkt.packet) == audioTrackMarker {
				s.streamMu.Lock()
				if s.tracks > 0 {
					s.tracks--
				}
				if len(s.trackMeta) > 0 {
					s.trackMeta = s.trackMeta[1:]
				}
				s.streamMu.Unlock()
				continue
			}

			if _, err := udp.Write(pkt.packet); err != nil {
				s.emitError("udp write: %v", err)
			}

			if pkt.duration > 0 && sendType != sendAudioLive {
				s.paceAfterSend(time.Duration(pkt.duration * 1e9 / timescale))
			}
		}
	}
}

// paceAfterSend sleeps off the remainder of the packet duration,
// accounting for time already spent since the previous send.
func (s *voiceSession) paceAfterSend(duration time.Duration) {
	s.streamMu.Lock()
	sendType := s.sendType
	last := s.lastTimestamp
	remainder := s.lastRemainder
	s.streamMu.Unlock()

	sleep := duration - remainder
	if !last.IsZero() {
		elapsed := time.Since(last)
		if elapsed < sleep {
			sleep -= elapsed
		} else {
			sleep = 0
		}
	}

	start := time.Now()
	if sleep > 0 {
		if sendType == sendAudioOverlap {
			// Subdivide the sleep so overshoot is absorbed in small
			// steps instead of one long drift.
			slice := sleep / audioOverlapSleepSamples
			if slice <= 0 {
				slice = sleep
			}
			deadline := start.Add(sleep)
			for time.Now().Before(deadline) {
				select {
				case <-s.done:
					return
				case <-time.After(slice):
				}
			}
		} else {
			select {
			case <-s.done:
				return
			case <-time.After(sleep):
			}
		}
	}

	overshoot := time.Since(start) - sleep
	if overshoot < 0 {
		overshoot = 0
	}
	s.streamMu.Lock()
	s.lastTimestamp = time.Now()
	s.lastRemainder = overshoot
	s.streamMu.Unlock()
}

// udpReadLoop pulls packets off the media socket and hands them to the
// receive pipeline.
func (s *voiceSession) udpReadLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				logSession.Warningf("udp read: %v", err)
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleMediaPacket(datagram)
	}
}

// handleMediaPacket runs the receive path: RTP parse, transport
// decrypt, optional inner DAVE decrypt, then parking for the courier.
func (s *voiceSession) handleMediaPacket(packet []byte) {
	// Anything shorter than a real voice packet is a silence
	// placeholder or keepalive.
	if len(packet) < minPacketSize {
		return
	}
	if isRTCPPayloadType(packet[1]) {
		return
	}

	var header rtp.Header
	headerSize, err := header.Unmarshal(packet)
	if err != nil {
		logSession.Debugf("rtp parse failed: %v", err)
		return
	}

	s.mu.Lock()
	transport := s.transport
	mls := s.mls
	daveActive := s.daveVersion != disabledDaveVersion
	userID := s.ssrcMap[header.SSRC]
	s.mu.Unlock()
	if transport == nil {
		return
	}

	if len(packet) < headerSize+wireNonceBytes {
		return
	}
	wireNonce := packet[len(packet)-wireNonceBytes:]
	ciphertext := packet[headerSize : len(packet)-wireNonceBytes]

	// AAD covers the header through the extension.
	plaintext, err := transport.decrypt(ciphertext, wireNonce, packet[:headerSize])
	if err != nil {
		logSession.Debugf("transport decrypt failed for ssrc %d: %v", header.SSRC, err)
		return
	}

	opusPacket := plaintext
	if mls != nil && daveActive {
		s.mu.Lock()
		d := mls.decryptors[userID]
		s.mu.Unlock()
		if d != nil {
			out := make([]byte, d.maxPlaintextByteSize(mediaAudio, len(plaintext)))
			n := d.decrypt(mediaAudio, plaintext, out)
			if n == 0 {
				return
			}
			opusPacket = out[:n]
		}
	}

	if userID == "" {
		userID = strconv.FormatUint(uint64(header.SSRC), 10)
	}

	if s.cb.onUserOpus != nil {
		s.cb.onUserOpus(userID, append([]byte(nil), opusPacket...))
	}

	s.courier.park(userID, voicePayload{
		seq:       header.SequenceNumber,
		timestamp: header.Timestamp,
		data:      opusPacket,
	})
}
