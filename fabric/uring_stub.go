//go:build linux && !iouring
// +build linux,!iouring

package fabric

// txRing is only available when built with -tags iouring. The default build
// returns no ring and the UDP fabric falls back to direct syscall sends.
type txRing struct{}

func newTxRing(fd int, cfg Config) (*txRing, error) { return nil, nil }

func (t *txRing) prepare(p Packet) bool { return false }
func (t *txRing) flush()                {}
func (t *txRing) close()                {}
