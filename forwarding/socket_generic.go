//+build !linux

package forwarding

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("forwarding: unsupported platform")

func listenTCP(port uint16) (int, error)                             { return -1, errUnsupported }
func acceptConn(listenFD int) (int, *net.TCPAddr, error)              { return -1, nil, errUnsupported }
func dialTCPNonblocking(remote *net.TCPAddr) (int, bool, error)       { return -1, false, errUnsupported }
func listenUDP(port uint16) (int, error)                              { return -1, errUnsupported }
func dialUDP(remote *net.UDPAddr) (int, error)                        { return -1, errUnsupported }
func recvFromUDP(fd int, buf []byte) (int, *net.UDPAddr, error)       { return 0, nil, errUnsupported }
func sendToUDP(fd int, to *net.UDPAddr, data []byte) error            { return errUnsupported }
func sendConnected(fd int, data []byte) error                        { return errUnsupported }
func shutdownWrite(fd int) error                                      { return errUnsupported }

func readAvailable(fd int, buf []byte, capHint int) ([]byte, bool, bool, error) {
	return buf, false, false, errUnsupported
}

func writeBuffered(fd int, buf []byte) ([]byte, bool, error) {
	return buf, false, errUnsupported
}
