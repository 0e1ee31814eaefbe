package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	discoveryPacketSize = 74
	discoveryType       = 0x0001
	discoveryLength     = 70
	discoveryTimeout    = 1 * time.Second
)

// discoverIP asks the voice server for our external address by sending
// the fixed 74-byte discovery packet and reading back the filled-in
// reply. A timeout is a soft failure and returns empty.
func discoverIP(serverAddr *net.UDPAddr, ssrc uint32) (string, uint16, error) {
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", errTransportSetup, err)
	}
	defer conn.Close()

	packet := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(packet[0:2], discoveryType)
	binary.BigEndian.PutUint16(packet[2:4], discoveryLength)
	binary.BigEndian.PutUint32(packet[4:8], ssrc)

	if _, err := conn.Write(packet); err != nil {
		return "", 0, fmt.Errorf("could not send discovery packet: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(discoveryTimeout))
	reply := make([]byte, discoveryPacketSize)
	n, err := conn.Read(reply)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			logSession.Warning("timed out in IP discovery")
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("could not receive discovery reply: %w", err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("short discovery reply: %d bytes", n)
	}

	addr := reply[8 : 8+64]
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	port := binary.BigEndian.Uint16(reply[discoveryPacketSize-2:])
	return string(addr), port, nil
}
