package main

import (
	"encoding/binary"
	"fmt"
)

// byteRange marks a run of bytes that stays unencrypted so codec
// packetizers can still read their headers off the wire.
type byteRange struct {
	offset int
	size   int
}

func unencryptedRangesSize(ranges []byteRange) int {
	size := 0
	for _, r := range ranges {
		size += leb128Size(uint64(r.offset)) + leb128Size(uint64(r.size))
	}
	return size
}

func serializeUnencryptedRanges(ranges []byteRange, buf []byte) int {
	at := 0
	for _, r := range ranges {
		if at+leb128Size(uint64(r.offset))+leb128Size(uint64(r.size)) > len(buf) {
			return 0
		}
		at += writeLeb128(uint64(r.offset), buf[at:])
		at += writeLeb128(uint64(r.size), buf[at:])
	}
	return at
}

func deserializeUnencryptedRanges(buf []byte) ([]byteRange, bool) {
	var ranges []byteRange
	at := 0
	for at < len(buf) {
		offset, n := readLeb128(buf[at:])
		if n == 0 {
			return nil, false
		}
		at += n
		size, n := readLeb128(buf[at:])
		if n == 0 {
			return nil, false
		}
		at += n
		ranges = append(ranges, byteRange{offset: int(offset), size: int(size)})
	}
	return ranges, true
}

func validateUnencryptedRanges(ranges []byteRange, frameSize int) bool {
	prevEnd := 0
	for _, r := range ranges {
		if r.offset < prevEnd || r.size <= 0 || r.offset+r.size > frameSize {
			return false
		}
		prevEnd = r.offset + r.size
	}
	return true
}

// outboundFrameProcessor splits a media frame into the codec-visible
// header bytes and the bytes to encrypt, and can interleave them back.
type outboundFrameProcessor struct {
	codec             codecType
	frameIndex        int
	unencryptedBytes  []byte
	encryptedBytes    []byte
	ciphertextBytes   []byte
	unencryptedRanges []byteRange
}

func (p *outboundFrameProcessor) reset() {
	p.codec = codecUnknown
	p.frameIndex = 0
	p.unencryptedBytes = p.unencryptedBytes[:0]
	p.encryptedBytes = p.encryptedBytes[:0]
	p.ciphertextBytes = p.ciphertextBytes[:0]
	p.unencryptedRanges = p.unencryptedRanges[:0]
}

func (p *outboundFrameProcessor) addUnencryptedBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	n := len(p.unencryptedRanges)
	if n > 0 && p.unencryptedRanges[n-1].offset+p.unencryptedRanges[n-1].size == p.frameIndex {
		p.unencryptedRanges[n-1].size += len(b)
	} else {
		p.unencryptedRanges = append(p.unencryptedRanges, byteRange{offset: p.frameIndex, size: len(b)})
	}
	p.unencryptedBytes = append(p.unencryptedBytes, b...)
	p.frameIndex += len(b)
}

func (p *outboundFrameProcessor) addEncryptedBytes(b []byte) {
	p.encryptedBytes = append(p.encryptedBytes, b...)
	p.frameIndex += len(b)
}

func (p *outboundFrameProcessor) processFrame(frame []byte, codec codecType) {
	p.reset()
	p.codec = codec

	ok := false
	switch codec {
	case codecOpus:
		ok = processFrameOpus(p, frame)
	case codecVP8:
		ok = processFrameVP8(p, frame)
	case codecVP9:
		ok = processFrameVP9(p, frame)
	case codecH264:
		ok = processFrameH26X(p, frame, 1)
	case codecH265:
		ok = processFrameH26X(p, frame, 2)
	case codecAV1:
		ok = processFrameAV1(p, frame)
	}
	if !ok {
		// No codec rule applies; encrypt the whole frame.
		p.reset()
		p.codec = codec
		p.addEncryptedBytes(frame)
	}
	p.ciphertextBytes = append(p.ciphertextBytes[:0], make([]byte, len(p.encryptedBytes))...)
}

func (p *outboundFrameProcessor) reconstructFrame(out []byte) int {
	total := len(p.unencryptedBytes) + len(p.ciphertextBytes)
	if len(out) < total {
		return 0
	}
	unencIdx, ctIdx, at := 0, 0, 0
	for _, r := range p.unencryptedRanges {
		gap := r.offset - at
		copy(out[at:], p.ciphertextBytes[ctIdx:ctIdx+gap])
		ctIdx += gap
		at += gap
		copy(out[at:], p.unencryptedBytes[unencIdx:unencIdx+r.size])
		unencIdx += r.size
		at += r.size
	}
	copy(out[at:], p.ciphertextBytes[ctIdx:])
	return total
}

// inboundFrameProcessor parses the wire layout back into tag, nonce,
// ranges, authenticated bytes and ciphertext.
type inboundFrameProcessor struct {
	isEncrypted       bool
	originalSize      int
	tag               []byte
	truncatedNonce    uint32
	unencryptedRanges []byteRange
	authenticated     []byte
	ciphertext        []byte
	plaintext         []byte
}

func (p *inboundFrameProcessor) clear() {
	p.isEncrypted = false
	p.originalSize = 0
	p.tag = nil
	p.truncatedNonce = 0
	p.unencryptedRanges = p.unencryptedRanges[:0]
	p.authenticated = p.authenticated[:0]
	p.ciphertext = p.ciphertext[:0]
	p.plaintext = p.plaintext[:0]
}

// parseFrame splits a wire frame into its transform components. A frame
// without the magic marker is not an error, just a passthrough
// candidate; a marked frame that fails to parse is reported so the
// caller can log why.
func (p *inboundFrameProcessor) parseFrame(frame []byte) error {
	p.clear()
	p.originalSize = len(frame)

	const minSize = supplementalOverhead + 1 // at least one nonce byte
	if len(frame) < minSize {
		return nil
	}
	if binary.LittleEndian.Uint16(frame[len(frame)-2:]) != magicMarker {
		return nil
	}

	suppSize := int(frame[len(frame)-3])
	if suppSize < minSize || suppSize > len(frame) {
		return fmt.Errorf("%w: supplemental size %d out of bounds", errFrameParseFailure, suppSize)
	}

	suppStart := len(frame) - suppSize
	p.tag = frame[suppStart : suppStart+aesGCMTruncatedTagBytes]

	nonceBytes := frame[suppStart+aesGCMTruncatedTagBytes : len(frame)-3]
	nonce, nonceSize := readLeb128(nonceBytes)
	if nonceSize == 0 || nonce > 0xFFFFFFFF {
		return fmt.Errorf("%w: bad truncated nonce varint", errFrameParseFailure)
	}
	p.truncatedNonce = uint32(nonce)

	ranges, ok := deserializeUnencryptedRanges(nonceBytes[nonceSize:])
	if !ok {
		return fmt.Errorf("%w: bad unencrypted ranges", errFrameParseFailure)
	}
	head := frame[:suppStart]
	if !validateUnencryptedRanges(ranges, len(head)) {
		return fmt.Errorf("%w: unencrypted ranges exceed frame", errFrameParseFailure)
	}
	p.unencryptedRanges = append(p.unencryptedRanges[:0], ranges...)

	at := 0
	for _, r := range ranges {
		p.ciphertext = append(p.ciphertext, head[at:r.offset]...)
		p.authenticated = append(p.authenticated, head[r.offset:r.offset+r.size]...)
		at = r.offset + r.size
	}
	p.ciphertext = append(p.ciphertext, head[at:]...)
	p.plaintext = append(p.plaintext[:0], make([]byte, len(p.ciphertext))...)
	p.isEncrypted = true
	return nil
}

func (p *inboundFrameProcessor) reconstructFrame(out []byte) int {
	total := len(p.authenticated) + len(p.plaintext)
	if len(out) < total {
		return 0
	}
	authIdx, ptIdx, at := 0, 0, 0
	for _, r := range p.unencryptedRanges {
		gap := r.offset - at
		copy(out[at:], p.plaintext[ptIdx:ptIdx+gap])
		ptIdx += gap
		at += gap
		copy(out[at:], p.authenticated[authIdx:authIdx+r.size])
		authIdx += r.size
		at += r.size
	}
	copy(out[at:], p.plaintext[ptIdx:])
	return total
}

// Codec rules. Opus packets carry no packetizer-visible header, so the
// whole frame is encrypted.

func processFrameOpus(p *outboundFrameProcessor, frame []byte) bool {
	p.addEncryptedBytes(frame)
	return true
}

// processFrameVP8 keeps the VP8 payload descriptor unencrypted: the
// required first byte plus the optional extension and picture-id bytes.
func processFrameVP8(p *outboundFrameProcessor, frame []byte) bool {
	if len(frame) < 1 {
		return false
	}
	headerSize := 1
	b0 := frame[0]
	if b0&0x80 != 0 { // X bit: extension byte present
		if len(frame) < 2 {
			return false
		}
		headerSize++
		ext := frame[1]
		if ext&0x80 != 0 { // I bit: picture id
			if len(frame) < headerSize+1 {
				return false
			}
			headerSize++
			if frame[headerSize-1]&0x80 != 0 { // 15-bit picture id
				headerSize++
			}
		}
		if ext&0x40 != 0 { // L bit: TL0PICIDX
			headerSize++
		}
		if ext&0x30 != 0 { // T/K bits: TID/KEYIDX byte
			headerSize++
		}
	}
	if len(frame) <= headerSize {
		return false
	}
	p.addUnencryptedBytes(frame[:headerSize])
	p.addEncryptedBytes(frame[headerSize:])
	return true
}

// processFrameVP9 keeps the flexible-mode descriptor byte and optional
// 15-bit picture id unencrypted.
func processFrameVP9(p *outboundFrameProcessor, frame []byte) bool {
	if len(frame) < 1 {
		return false
	}
	headerSize := 1
	if frame[0]&0x80 != 0 { // I bit: picture id present
		if len(frame) < 2 {
			return false
		}
		headerSize++
		if frame[1]&0x80 != 0 {
			headerSize++
		}
	}
	if len(frame) <= headerSize {
		return false
	}
	p.addUnencryptedBytes(frame[:headerSize])
	p.addEncryptedBytes(frame[headerSize:])
	return true
}

// processFrameH26X walks Annex B start codes and keeps each start code
// plus the NAL unit header unencrypted (1 byte for H.264, 2 for H.265).
func processFrameH26X(p *outboundFrameProcessor, frame []byte, nalHeaderSize int) bool {
	if len(frame) < 4 {
		return false
	}
	encStart := 0
	i := 0
	for i+2 < len(frame) {
		if frame[i] == 0 && frame[i+1] == 0 && (frame[i+2] == 1 || (i+3 < len(frame) && frame[i+2] == 0 && frame[i+3] == 1)) {
			scLen := 3
			if frame[i+2] == 0 {
				scLen = 4
			}
			if i+scLen+nalHeaderSize > len(frame) {
				return false
			}
			p.addEncryptedBytes(frame[encStart:i])
			p.addUnencryptedBytes(frame[i : i+scLen+nalHeaderSize])
			i += scLen + nalHeaderSize
			encStart = i
			continue
		}
		i++
	}
	if encStart == 0 {
		return false // no start code found
	}
	p.addEncryptedBytes(frame[encStart:])
	return len(p.encryptedBytes) > 0
}

// processFrameAV1 keeps the first OBU header byte unencrypted.
func processFrameAV1(p *outboundFrameProcessor, frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	p.addUnencryptedBytes(frame[:1])
	p.addEncryptedBytes(frame[1:])
	return true
}

// validateEncryptedFrame rejects ciphertext that would confuse an H.26x
// packetizer: an Annex B start code anywhere in the encrypted section or
// the supplemental tail forces a nonce re-roll.
func validateEncryptedFrame(p *outboundFrameProcessor, frame []byte) bool {
	if p.codec != codecH264 && p.codec != codecH265 {
		return true
	}
	// Skip the leading unencrypted header; everything after it must stay
	// free of start codes.
	checkFrom := 0
	if len(p.unencryptedRanges) > 0 && p.unencryptedRanges[0].offset == 0 {
		checkFrom = p.unencryptedRanges[0].size
	}
	if checkFrom > len(frame) {
		return false
	}
	section := frame[checkFrom:]
	for i := 0; i+2 < len(section); i++ {
		if section[i] == 0 && section[i+1] == 0 && section[i+2] <= 1 {
			return false
		}
	}
	return true
}
