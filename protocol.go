package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Voice gateway JSON opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
	opClientsConnect     = 11
	opClientConnect      = 12
	opClientDisconnect   = 13
	opPlatform           = 20
)

// DAVE opcodes: JSON for transition control, binary frames for MLS
// messages. Server binary frames carry a 2-byte sequence before the
// opcode; client frames start at the opcode.
const (
	opDavePrepareTransition       = 21
	opDaveExecuteTransition       = 22
	opDaveTransitionReady         = 23
	opDavePrepareEpoch            = 24
	opDaveMLSExternalSender       = 25
	opDaveMLSKeyPackage           = 26
	opDaveMLSProposals            = 27
	opDaveMLSCommitMessage        = 28
	opDaveMLSAnnounceCommit       = 29
	opDaveMLSWelcome              = 30
	opDaveMLSInvalidCommitWelcome = 31
)

const transportModeXChaCha = "aead_xchacha20_poly1305_rtpsize"

type gatewayMessage struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"seq,omitempty"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type sessionDescriptionData struct {
	Mode                string  `json:"mode"`
	SecretKey           []byte  `json:"secret_key"`
	DaveProtocolVersion *uint16 `json:"dave_protocol_version,omitempty"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

type clientDisconnectData struct {
	UserID string `json:"user_id"`
}

type clientConnectData struct {
	UserIDs   []string `json:"user_ids,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	AudioSSRC uint32   `json:"audio_ssrc,omitempty"`
}

type transitionData struct {
	TransitionID uint16 `json:"transition_id"`
}

type prepareEpochData struct {
	TransitionID    uint16 `json:"transition_id"`
	Epoch           uint64 `json:"epoch"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

func marshalGatewayMessage(op int, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(gatewayMessage{Op: op, Data: raw})
}

// daveBinaryFrame is a server-sent BINARY websocket frame.
type daveBinaryFrame struct {
	seq     uint16
	opcode  uint8
	payload []byte
}

func parseDaveBinaryFrame(data []byte) (daveBinaryFrame, error) {
	if len(data) < 3 {
		return daveBinaryFrame{}, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	return daveBinaryFrame{
		seq:     binary.BigEndian.Uint16(data[:2]),
		opcode:  data[2],
		payload: data[3:],
	}, nil
}

// welcomeTransitionID splits the 16-bit transition id prefix off a
// welcome payload.
func welcomeTransitionID(payload []byte) (uint16, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("welcome payload too short")
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], nil
}

func buildDaveBinaryMessage(opcode uint8, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, opcode)
	return append(out, payload...)
}

// RTP constants for the voice data plane.
const (
	rtpHeaderSize   = 12
	rtpVersionByte  = 0x80
	rtpPayloadType  = 0x78
	wireNonceBytes  = 4
	minPacketSize   = 44
	rtcpPayloadLow  = 72
	rtcpPayloadHigh = 76
)

// buildRTPHeader assembles the fixed outbound header; it is also the
// AAD for the transport cipher.
func buildRTPHeader(seq uint16, timestamp uint32, ssrc uint32) []byte {
	header := make([]byte, rtpHeaderSize)
	header[0] = rtpVersionByte
	header[1] = rtpPayloadType
	binary.BigEndian.PutUint16(header[2:4], seq)
	binary.BigEndian.PutUint32(header[4:8], timestamp)
	binary.BigEndian.PutUint32(header[8:12], ssrc)
	return header
}

func isRTCPPayloadType(pt byte) bool {
	masked := pt & 0x7F
	return masked >= rtcpPayloadLow && masked <= rtcpPayloadHigh
}
