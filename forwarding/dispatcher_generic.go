//+build !linux

package forwarding

import "errors"

func newDispatcher() (Dispatcher, error) {
	return nil, errors.New("forwarding: unsupported platform")
}
