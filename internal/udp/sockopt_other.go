//go:build !unix

package udp

import "syscall"

func control(opt Options) func(network, address string, c syscall.RawConn) error {
	return nil
}
