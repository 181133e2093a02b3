// Package virtual provides an in-memory link primarily used for
// testing. Two cross-connected endpoints stand in for the master side
// and the segment side of the wire.
package virtual

import (
	"errors"

	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterInterface("virtual", func(channel string) (link.Link, error) {
		l, _ := NewPair()
		return l, nil
	})
}

var ErrClosed = errors.New("virtual link is closed")

const queueDepth = 64

type Link struct {
	tx     chan []byte
	rx     chan []byte
	closed chan struct{}
}

// NewPair returns two connected endpoints : everything sent on one is
// received by the other. The second endpoint is typically driven by a
// simulated segment.
func NewPair() (*Link, *Link) {
	ab := make(chan []byte, queueDepth)
	ba := make(chan []byte, queueDepth)
	closed := make(chan struct{})
	a := &Link{tx: ab, rx: ba, closed: closed}
	b := &Link{tx: ba, rx: ab, closed: closed}
	return a, b
}

// "Connect" implementation of Link interface
func (l *Link) Connect(...any) error {
	return nil
}

// "Disconnect" implementation of Link interface
// Both endpoints share the closed state, either side may close.
func (l *Link) Disconnect() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// "Send" implementation of Link interface
func (l *Link) Send(buf []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, ErrClosed
	default:
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	select {
	case l.tx <- out:
		return len(buf), nil
	case <-l.closed:
		return 0, ErrClosed
	}
}

// "Recv" implementation of Link interface
func (l *Link) Recv(buf []byte) (int, error) {
	select {
	case in := <-l.rx:
		n := copy(buf, in)
		return n, nil
	case <-l.closed:
		return 0, ErrClosed
	}
}
