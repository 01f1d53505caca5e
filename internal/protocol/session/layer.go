package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
)

// answeredSize bounds the remembered ACK statuses; it covers a full dedup
// window for a handful of busy peers.
const answeredSize = 8 * WindowSize

// Sender puts one encoded frame on the medium. transport.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, dst protocol.Address, datagram []byte) error
}

// DeliveryFailure reports a NEED_ACK frame that ran out of attempts.
type DeliveryFailure struct {
	Dst      protocol.Address
	Seq      uint16
	Type     protocol.MsgType
	Attempts int
	At       time.Time
	Err      error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("%v: %s seq=%d to %s after %d attempts", f.Err, f.Type, f.Seq, f.Dst, f.Attempts)
}

func (f DeliveryFailure) Unwrap() error { return f.Err }

// Critical renders the failure as a locally raised EVENT_CRITICAL report.
// Value packs the message type in bits 16..23 and the sequence number in bits 0..15.
func (f DeliveryFailure) Critical() payload.Critical {
	return payload.Critical{
		Code:   payload.CriticalDeliveryFailure,
		Source: f.Dst,
		Value:  int32(uint32(f.Type)<<16 | uint32(f.Seq)),
	}
}

// Stats are cumulative counters of a Layer.
type Stats struct {
	Sent          uint64
	Retransmits   uint64
	Acked         uint64
	Failures      uint64
	Duplicates    uint64
	AcksSent      uint64
	UnmatchedAcks uint64
}

// Options carries the collaborators of a Layer. Zero values pick real defaults.
type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
	Rand   *rand.Rand
	// OnFailure receives each delivery failure exactly once.
	OnFailure func(DeliveryFailure)
	// OnAcked receives each pending entry settled by its ACK.
	OnAcked func(PendingAck)
}

// Layer adds sequence numbers, ACK tracking, retransmission and duplicate
// suppression on top of a Sender.
type Layer struct {
	cfg    Config
	sender Sender
	clk    clock.Clock
	log    zerolog.Logger
	local  atomic.Uint32

	onFailure func(DeliveryFailure)
	onAcked   func(PendingAck)

	seqMu  sync.Mutex
	rng    *rand.Rand
	seq    uint16
	seeded bool

	outbox   *Outbox
	dedup    *Deduper
	// status of the last ACK sent per (src, seq), echoed to duplicates
	answered *lru.Cache[ackKey, payload.AckStatus]

	sent, retransmits, acked, failures, duplicates, acksSent, unmatched atomic.Uint64
}

func NewLayer(cfg Config, local protocol.Address, sender Sender, opts Options) *Layer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l := &Layer{
		cfg:       cfg.normalized(),
		sender:    sender,
		clk:       opts.Clock,
		log:       opts.Logger.With().Str("component", "session").Logger(),
		onFailure: opts.OnFailure,
		onAcked:   opts.OnAcked,
		rng:       opts.Rand,
		outbox:    NewOutbox(),
		dedup:     NewDeduper(),
	}
	l.answered, _ = lru.New[ackKey, payload.AckStatus](answeredSize)
	l.local.Store(uint32(local))
	return l
}

func (l *Layer) Config() Config { return l.cfg }

// Local is the address frames are sent from.
func (l *Layer) Local() protocol.Address { return protocol.Address(l.local.Load()) }

// SetLocal changes the source address, e.g. after a node adopted ASSIGN_ID.
func (l *Layer) SetLocal(a protocol.Address) { l.local.Store(uint32(a)) }

// NextSeq returns the next outbound sequence number. Unicast and broadcast
// frames share one counter, since receivers keep one dedup window per source.
// The counter starts at a random value so that a restarted sender is unlikely
// to land inside a receiver's window.
func (l *Layer) NextSeq() uint16 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	if !l.seeded {
		l.seq = uint16(l.rng.Intn(1 << 16))
		l.seeded = true
	}
	seq := l.seq
	l.seq++
	return seq
}

// Reseed restarts the outbound counter at a fresh random value, as after a reboot.
func (l *Layer) Reseed() {
	l.seqMu.Lock()
	l.seeded = false
	l.seqMu.Unlock()
}

func (l *Layer) ackWait(attempt int) time.Duration {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	return l.cfg.ackWait(attempt, l.rng)
}

// Send stamps h with the local source and a fresh sequence number and transmits it.
// With FlagNeedAck set the frame is tracked until its ACK arrives or attempts run
// out; Send itself never waits for the ACK. Broadcast frames never request an ACK.
func (l *Layer) Send(ctx context.Context, h frame.Header, body []byte) (uint16, error) {
	h.Src = l.Local()
	h.Flags &^= frame.FlagRetransmitted
	if h.Dst.IsBroadcast() {
		h.Flags &^= frame.FlagNeedAck
	}
	h.Seq = l.NextSeq()
	raw, err := frame.Encode(h, body)
	if err != nil {
		return 0, err
	}
	if err := l.sender.Send(ctx, h.Dst, raw); err != nil {
		return 0, fmt.Errorf("session: send %s to %s: %w", h.Type, h.Dst, err)
	}
	l.sent.Add(1)
	if !h.Flags.Has(frame.FlagNeedAck) {
		return h.Seq, nil
	}
	now := l.clk.Now()
	h.PayloadLen = uint8(len(body))
	l.outbox.Upsert(PendingAck{
		Dst:           h.Dst,
		Seq:           h.Seq,
		Type:          h.Type,
		Header:        h,
		Payload:       append([]byte(nil), body...),
		Attempts:      1,
		QueuedAt:      now,
		LastAttemptAt: now,
		Deadline:      now.Add(l.ackWait(1)),
	})
	l.log.Debug().Str("type", h.Type.String()).Str("dst", h.Dst.String()).Uint16("seq", h.Seq).Msg("awaiting ack")
	return h.Seq, nil
}

// Sweep retransmits every overdue entry with RETRANSMITTED set and reports entries
// that already used MaxAttempts. It returns how many frames were resent.
func (l *Layer) Sweep(ctx context.Context) int {
	now := l.clk.Now()
	resent := 0
	for _, item := range l.outbox.Due(now) {
		if item.Attempts >= l.cfg.MaxAttempts {
			l.fail(item, now)
			continue
		}
		h := item.Header
		h.Flags |= frame.FlagRetransmitted
		raw, err := frame.Encode(h, item.Payload)
		lastErr := ""
		if err == nil {
			err = l.sender.Send(ctx, h.Dst, raw)
		}
		if err != nil {
			lastErr = err.Error()
			l.log.Warn().Err(err).Str("dst", h.Dst.String()).Uint16("seq", h.Seq).Msg("retransmit failed")
		}
		deadline := now.Add(l.ackWait(item.Attempts + 1))
		if _, ok := l.outbox.MarkAttempt(item.Dst, item.Seq, now, deadline, lastErr); !ok {
			// ACKed while we were resending.
			continue
		}
		l.retransmits.Add(1)
		resent++
		l.log.Debug().Str("type", h.Type.String()).Str("dst", h.Dst.String()).Uint16("seq", h.Seq).
			Int("attempt", item.Attempts+1).Msg("retransmit")
	}
	return resent
}

func (l *Layer) fail(item PendingAck, now time.Time) {
	if _, ok := l.outbox.Remove(item.Dst, item.Seq); !ok {
		return
	}
	l.failures.Add(1)
	failure := DeliveryFailure{
		Dst:      item.Dst,
		Seq:      item.Seq,
		Type:     item.Type,
		Attempts: item.Attempts,
		At:       now,
		Err:      protocol.ErrAckMissing,
	}
	l.log.Warn().Str("type", item.Type.String()).Str("dst", item.Dst.String()).Uint16("seq", item.Seq).
		Int("attempts", item.Attempts).Msg("delivery failed")
	if l.onFailure != nil {
		l.onFailure(failure)
	}
}

// Run drives Sweep from a ticker until ctx ends.
func (l *Layer) Run(ctx context.Context) error {
	ticker := l.clk.Ticker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// HandleAck settles the pending entry matched by the ACK's src and seq.
func (l *Layer) HandleAck(f frame.Frame) (PendingAck, bool) {
	item, ok := l.outbox.Remove(f.Header.Src, f.Header.Seq)
	if !ok {
		l.unmatched.Add(1)
		return PendingAck{}, false
	}
	l.acked.Add(1)
	if l.onAcked != nil {
		l.onAcked(item)
	}
	return item, true
}

// Duplicate records f in its source's dedup window and reports whether it was
// already accepted. ACK frames and frames from the unassigned address are never
// duplicates: ACKs echo foreign sequence numbers and unassigned nodes share one
// source address.
func (l *Layer) Duplicate(f frame.Frame) bool {
	if f.Header.Type == protocol.MsgAck || f.Header.Src == protocol.AddrUnassigned {
		return false
	}
	if l.dedup.Seen(f.Header.Src, f.Header.Seq, f.Retransmitted()) {
		l.duplicates.Add(1)
		return true
	}
	return false
}

// SendAck answers f with an ACK echoing its sequence number. Frames from sources
// that cannot be addressed are not answered.
func (l *Layer) SendAck(ctx context.Context, f frame.Frame, status payload.AckStatus) error {
	if !f.Header.Src.ValidDestination() || f.Header.Src.IsBroadcast() {
		return nil
	}
	l.answered.Add(ackKey{f.Header.Src, f.Header.Seq}, status)
	body, _ := payload.Ack{Status: status}.MarshalBinary()
	raw, err := frame.Encode(frame.Header{
		Src:  l.Local(),
		Dst:  f.Header.Src,
		Type: protocol.MsgAck,
		Seq:  f.Header.Seq,
	}, body)
	if err != nil {
		return err
	}
	if err := l.sender.Send(ctx, f.Header.Src, raw); err != nil {
		return fmt.Errorf("session: ack seq=%d to %s: %w", f.Header.Seq, f.Header.Src, err)
	}
	l.acksSent.Add(1)
	return nil
}

// AckedWith returns the status f was last answered with, if it still is remembered.
func (l *Layer) AckedWith(f frame.Frame) (payload.AckStatus, bool) {
	return l.answered.Get(ackKey{f.Header.Src, f.Header.Seq})
}

// Forget drops all state kept for peer: dedup window, remembered ACK statuses
// and pending ACKs. Pending entries are dropped silently.
func (l *Layer) Forget(peer protocol.Address) {
	l.dedup.Forget(peer)
	for _, k := range l.answered.Keys() {
		if k.peer == peer {
			l.answered.Remove(k)
		}
	}
	l.outbox.RemovePeer(peer)
}

func (l *Layer) Pending() []PendingAck { return l.outbox.List() }

func (l *Layer) PendingCount() int { return l.outbox.Len() }

func (l *Layer) Stats() Stats {
	return Stats{
		Sent:          l.sent.Load(),
		Retransmits:   l.retransmits.Load(),
		Acked:         l.acked.Load(),
		Failures:      l.failures.Load(),
		Duplicates:    l.duplicates.Load(),
		AcksSent:      l.acksSent.Load(),
		UnmatchedAcks: l.unmatched.Load(),
	}
}
