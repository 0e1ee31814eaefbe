//go:build linux

package main

import (
	"fmt"
	"net"
	"syscall"
)

// dscpEF is the expedited-forwarding class voice defaults to.
const dscpEF = 46

// markVoiceSocketDSCP stamps the media socket's traffic class so
// networks that honor DSCP can expedite the voice stream. class is the
// 6-bit DSCP value; 0 clears the marking. ECN bits stay zero.
func markVoiceSocketDSCP(conn *net.UDPConn, class int) error {
	if conn == nil {
		return fmt.Errorf("udp socket is nil")
	}
	if class < 0 || class > 63 {
		return fmt.Errorf("dscp class %d out of range", class)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to access socket descriptor: %w", err)
	}

	tos := class << 2
	var setErr error
	if ctlErr := rawConn.Control(func(fd uintptr) {
		setErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		if setErr != nil {
			// A v6-only socket rejects IPPROTO_IP; the traffic-class
			// option is the equivalent knob there.
			if v6Err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_TCLASS, tos); v6Err == nil {
				setErr = nil
			}
		}
	}); ctlErr != nil {
		return fmt.Errorf("failed to apply socket options: %w", ctlErr)
	}
	if setErr != nil {
		return fmt.Errorf("could not set dscp class %d: %w", class, setErr)
	}
	return nil
}
