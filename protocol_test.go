package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalGatewayMessage(t *testing.T) {
	payload, err := marshalGatewayMessage(opHeartbeat, map[string]any{"t": 1, "seq_ack": -1})
	require.NoError(t, err)

	var msg gatewayMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, opHeartbeat, msg.Op)

	var data map[string]int
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	require.Equal(t, -1, data["seq_ack"])
}

func TestParseDaveBinaryFrame(t *testing.T) {
	frame, err := parseDaveBinaryFrame([]byte{0x00, 0x2A, opDaveMLSWelcome, 0xDE, 0xAD})
	require.NoError(t, err)
	require.Equal(t, uint16(42), frame.seq)
	require.Equal(t, uint8(opDaveMLSWelcome), frame.opcode)
	require.Equal(t, []byte{0xDE, 0xAD}, frame.payload)

	_, err = parseDaveBinaryFrame([]byte{0x00})
	require.Error(t, err)
}

func TestWelcomeTransitionID(t *testing.T) {
	id, rest, err := welcomeTransitionID([]byte{0x01, 0x02, 0xAA, 0xBB})
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), id)
	require.Equal(t, []byte{0xAA, 0xBB}, rest)

	_, _, err = welcomeTransitionID([]byte{0x01})
	require.Error(t, err)
}

func TestBuildDaveBinaryMessage(t *testing.T) {
	msg := buildDaveBinaryMessage(opDaveMLSKeyPackage, []byte{1, 2, 3})
	require.Equal(t, []byte{opDaveMLSKeyPackage, 1, 2, 3}, msg)
}

func TestIsRTCPPayloadType(t *testing.T) {
	for pt := byte(72); pt <= 76; pt++ {
		require.True(t, isRTCPPayloadType(pt))
		require.True(t, isRTCPPayloadType(pt|0x80))
	}
	require.False(t, isRTCPPayloadType(0x78))
	require.False(t, isRTCPPayloadType(71))
	require.False(t, isRTCPPayloadType(77))
}

func TestBuildRTPHeader(t *testing.T) {
	header := buildRTPHeader(0x0102, 0x03040506, 0x0708090A)
	require.Equal(t, []byte{
		rtpVersionByte, rtpPayloadType,
		0x01, 0x02,
		0x03, 0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0A,
	}, header)
}
