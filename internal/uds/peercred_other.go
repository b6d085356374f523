//go:build !linux

package uds

import "net"

// peerUID is unsupported here; the socket mode is the only gate.
func peerUID(net.Conn) (int, bool) { return 0, false }
