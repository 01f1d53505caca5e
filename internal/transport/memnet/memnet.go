// Package memnet is an in-process radio: every endpoint hears broadcasts,
// unicasts reach endpoints currently holding the destination address, and
// frames can be dropped on purpose.
package memnet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/transport"
)

const defaultInbox = 64

// DropFunc decides whether a datagram from src to dst is lost.
type DropFunc func(src, dst protocol.Address, datagram []byte) bool

type Hub struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	drop      DropFunc
	inboxSize int
	log       zerolog.Logger

	delivered, dropped, overflow atomic.Uint64
}

type Option func(*Hub)

func WithInbox(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l.With().Str("component", "memnet").Logger() }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{inboxSize: defaultInbox, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDrop installs fn as the loss model; nil delivers everything.
func (h *Hub) SetDrop(fn DropFunc) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Join attaches a new endpoint listening on addr.
func (h *Hub) Join(addr protocol.Address) *Endpoint {
	e := &Endpoint{
		hub:    h,
		inbox:  make(chan []byte, h.inboxSize),
		closed: make(chan struct{}),
	}
	e.addr.Store(uint32(addr))
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.endpoints {
		if cur == e {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

// Stats returns delivered, dropped and inbox-overflow counts.
func (h *Hub) Stats() (delivered, dropped, overflow uint64) {
	return h.delivered.Load(), h.dropped.Load(), h.overflow.Load()
}

func (h *Hub) deliver(from *Endpoint, dst protocol.Address, datagram []byte) error {
	h.mu.RLock()
	drop := h.drop
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e == from {
			continue
		}
		if dst.IsBroadcast() || e.Address() == dst {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()

	src := from.Address()
	if drop != nil && drop(src, dst, datagram) {
		h.dropped.Add(1)
		h.log.Debug().Str("src", src.String()).Str("dst", dst.String()).Msg("dropped")
		return nil
	}
	for _, e := range targets {
		buf := append([]byte(nil), datagram...)
		select {
		case e.inbox <- buf:
			h.delivered.Add(1)
		case <-e.closed:
		default:
			h.overflow.Add(1)
			h.log.Warn().Str("dst", e.Address().String()).Msg("inbox full")
		}
	}
	return nil
}

// Endpoint is one radio on the hub. It implements transport.Transport.
type Endpoint struct {
	hub    *Hub
	addr   atomic.Uint32
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Address() protocol.Address { return protocol.Address(e.addr.Load()) }

// SetAddress re-addresses the endpoint, as a node does after ASSIGN_ID.
func (e *Endpoint) SetAddress(a protocol.Address) { e.addr.Store(uint32(a)) }

// Send never reports loss; a unicast to an address nobody holds vanishes.
func (e *Endpoint) Send(ctx context.Context, dst protocol.Address, datagram []byte) error {
	if len(datagram) > transport.MaxDatagram {
		return transport.ErrTooLarge
	}
	select {
	case <-e.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return e.hub.deliver(e, dst, datagram)
}

func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-e.inbox:
		return b, nil
	case <-e.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.hub.leave(e)
	})
	return nil
}
