// Package dispatch routes decoded frames to handlers by message type after
// checking direction, payload shape and duplicates.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
)

var ErrNotAddressed = errors.New("dispatch: frame not addressed to this device")

// Handler consumes one accepted message. msg is the decoded payload of f.
type Handler func(ctx context.Context, f frame.Frame, msg payload.Message) error

// Guard decides whether a frame was already accepted. session.Layer satisfies it.
type Guard interface {
	Duplicate(f frame.Frame) bool
}

// Acker answers NEED_ACK frames. session.Layer satisfies it.
type Acker interface {
	SendAck(ctx context.Context, f frame.Frame, status payload.AckStatus) error
}

// AckRecorder is implemented by an Acker that remembers the status each frame
// was answered with. A duplicate is answered with the remembered status, AckOK
// if there is none.
type AckRecorder interface {
	AckedWith(f frame.Frame) (payload.AckStatus, bool)
}

type replayedKey struct{}

// Replayed reports whether the handler called with ctx sees a duplicate of an
// already delivered passive frame.
func Replayed(ctx context.Context) bool {
	v, _ := ctx.Value(replayedKey{}).(bool)
	return v
}

// Outcome says what happened to a frame.
type Outcome uint8

const (
	Dropped Outcome = iota
	Delivered
	Duplicate
	Unhandled
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Unhandled:
		return "unhandled"
	default:
		return "dropped"
	}
}

// Options carries collaborators. Guard and Acker may be nil.
type Options struct {
	Guard  Guard
	Acker  Acker
	Logger zerolog.Logger
	// Local returns this device's address. Frames for other unicast addresses are
	// dropped with ErrNotAddressed. Nil accepts every destination.
	Local func() protocol.Address
	// OnFrame sees every frame that passed the route check, duplicates included.
	OnFrame func(f frame.Frame)
	// OnViolation sees every dropped protocol violation.
	OnViolation func(v *protocol.Violation)
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.MsgType]Handler
	opts     Options
	log      zerolog.Logger
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.MsgType]Handler),
		opts:     opts,
		log:      opts.Logger.With().Str("component", "dispatch").Logger(),
	}
}

// Register installs h for t, replacing any earlier handler.
func (d *Dispatcher) Register(t protocol.MsgType, h Handler) error {
	if _, ok := protocol.SpecFor(t); !ok {
		return fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownMessageType, uint8(t))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
	return nil
}

func (d *Dispatcher) handler(t protocol.MsgType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

// DispatchRaw decodes one datagram and dispatches it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) (Outcome, error) {
	f, err := frame.Decode(raw)
	if err != nil {
		d.log.Debug().Err(err).Int("len", len(raw)).Msg("undecodable frame")
		return Dropped, err
	}
	return d.Dispatch(ctx, f)
}

func (d *Dispatcher) violation(f frame.Frame, err error) (Outcome, error) {
	v := &protocol.Violation{Src: f.Header.Src, Dst: f.Header.Dst, Type: byte(f.Header.Type), Err: err}
	d.log.Warn().Err(err).Str("src", f.Header.Src.String()).Str("dst", f.Header.Dst.String()).
		Uint16("seq", f.Header.Seq).Msg("protocol violation")
	if d.opts.OnViolation != nil {
		d.opts.OnViolation(v)
	}
	return Dropped, v
}

// Dispatch checks f and hands it to the registered handler. A duplicate is
// ACKed when it asks for one but reaches the handler only for passive types.
func (d *Dispatcher) Dispatch(ctx context.Context, f frame.Frame) (Outcome, error) {
	t, err := protocol.ParseMsgType(byte(f.Header.Type))
	if err != nil {
		return d.violation(f, err)
	}
	spec, _ := protocol.SpecFor(t)
	if err := spec.CheckRoute(f.Header.Src, f.Header.Dst); err != nil {
		return d.violation(f, err)
	}
	if d.opts.Local != nil && !f.Header.Dst.IsBroadcast() && f.Header.Dst != d.opts.Local() {
		return Dropped, ErrNotAddressed
	}
	if err := spec.CheckPayload(len(f.Payload)); err != nil {
		return d.violation(f, err)
	}
	msg, err := payload.Decode(t, f.Payload)
	if err != nil {
		return d.violation(f, err)
	}
	if d.opts.OnFrame != nil {
		d.opts.OnFrame(f)
	}

	dup := d.opts.Guard != nil && d.opts.Guard.Duplicate(f)
	if dup {
		d.ack(ctx, f, d.answered(f))
		if !spec.Passive {
			d.log.Debug().Str("type", t.String()).Str("src", f.Header.Src.String()).Uint16("seq", f.Header.Seq).
				Msg("duplicate suppressed")
			return Duplicate, nil
		}
		ctx = context.WithValue(ctx, replayedKey{}, true)
	}

	h, ok := d.handler(t)
	if !ok {
		if !dup {
			d.ack(ctx, f, payload.AckOK)
		}
		return Unhandled, nil
	}
	herr := h(ctx, f, msg)
	if !dup {
		status := payload.AckOK
		if herr != nil {
			status = payload.AckRejected
		}
		d.ack(ctx, f, status)
	}
	if herr != nil {
		return Delivered, fmt.Errorf("dispatch: %s handler: %w", t, herr)
	}
	if dup {
		return Duplicate, nil
	}
	return Delivered, nil
}

func (d *Dispatcher) answered(f frame.Frame) payload.AckStatus {
	if r, ok := d.opts.Acker.(AckRecorder); ok {
		if status, ok := r.AckedWith(f); ok {
			return status
		}
	}
	return payload.AckOK
}

func (d *Dispatcher) ack(ctx context.Context, f frame.Frame, status payload.AckStatus) {
	if !f.NeedAck() || d.opts.Acker == nil || f.Header.Type == protocol.MsgAck {
		return
	}
	if err := d.opts.Acker.SendAck(ctx, f, status); err != nil {
		d.log.Warn().Err(err).Uint16("seq", f.Header.Seq).Msg("ack failed")
	}
}
