//go:build !linux

package main

import "net"

const dscpEF = 46

func markVoiceSocketDSCP(conn *net.UDPConn, class int) error {
	return nil
}
