//go:build !linux
// +build !linux

package fabric

import "fmt"

// NewUDP is Linux-only; other platforms get the loopback fabric for tests.
func NewUDP(cfg Config, bindIP string, port int) (Transport, error) {
	return nil, fmt.Errorf("fabric: UDP fabric requires linux")
}
