// Package transport moves whole frame datagrams between the coordinator and
// nodes. Implementations do not look inside frames beyond what they need to
// route them.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/headunit/internal/protocol"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrTooLarge    = errors.New("transport: datagram too large")
	ErrUnreachable = errors.New("transport: no such destination")
)

// MaxDatagram is the largest frame a transport carries.
const MaxDatagram = 239

// Transport is an unreliable datagram link. Receive blocks until a datagram
// arrives, ctx ends or the transport is closed.
type Transport interface {
	Send(ctx context.Context, dst protocol.Address, datagram []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
