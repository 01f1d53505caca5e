package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/testutil/testlog"
)

type sentFrame struct {
	dst protocol.Address
	f   frame.Frame
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentFrame
	err  error
}

func (s *recordingSender) Send(_ context.Context, dst protocol.Address, datagram []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	f, err := frame.Decode(datagram)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentFrame{dst: dst, f: f})
	return nil
}

func (s *recordingSender) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func testConfig() Config {
	return Config{
		AckTimeout:    100 * time.Millisecond,
		MaxAttempts:   3,
		SweepInterval: 10 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   1.0,
			Jitter:       false,
		},
	}
}

func newTestLayer(t *testing.T) (*Layer, *recordingSender, *clock.Mock, *[]DeliveryFailure) {
	t.Helper()
	sender := &recordingSender{}
	mock := clock.NewMock()
	failures := &[]DeliveryFailure{}
	l := NewLayer(testConfig(), protocol.AddrCoordinator, sender, Options{
		Clock: mock,
		Rand:  rand.New(rand.NewSource(1)),
		OnFailure: func(f DeliveryFailure) {
			*failures = append(*failures, f)
		},
	})
	return l, sender, mock, failures
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i+1, nil); got != w {
			t.Fatalf("retry %d got=%v want=%v", i+1, got, w)
		}
	}
	if got := (BackoffConfig{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		got := cfg.Delay(2, rng)
		if got < 300*time.Millisecond || got >= 500*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if got := cfg.Delay(10, rng); got > cfg.MaxDelay {
		t.Fatalf("jitter above cap: %v", got)
	}
}

func TestAckWaitUsesTimeoutFirst(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 40 * time.Millisecond
	if got := cfg.ackWait(1, nil); got != 40*time.Millisecond {
		t.Fatalf("first attempt got=%v", got)
	}
	if got := cfg.ackWait(2, nil); got != cfg.Backoff.InitialDelay {
		t.Fatalf("second attempt got=%v", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingAck{Dst: 0x10, Seq: 7, Attempts: 1, QueuedAt: now, Deadline: now.Add(time.Second)})
	o.Upsert(PendingAck{Dst: 0x11, Seq: 7, Attempts: 1, QueuedAt: now, Deadline: now.Add(2 * time.Second)})

	if due := o.Due(now); len(due) != 0 {
		t.Fatalf("nothing should be due yet: %+v", due)
	}
	if due := o.Due(now.Add(time.Second)); len(due) != 1 || due[0].Dst != 0x10 {
		t.Fatalf("unexpected due set: %+v", due)
	}
	item, ok := o.MarkAttempt(0x10, 7, now.Add(time.Second), now.Add(3*time.Second), "timeout")
	if !ok || item.Attempts != 2 || item.LastError != "timeout" {
		t.Fatalf("unexpected attempt: ok=%v item=%+v", ok, item)
	}
	if _, ok := o.Remove(0x10, 7); !ok {
		t.Fatalf("expected first remove to win")
	}
	if _, ok := o.Remove(0x10, 7); ok {
		t.Fatalf("second remove must lose")
	}
	if o.Len() != 1 {
		t.Fatalf("len got=%d", o.Len())
	}
	if dropped := o.RemovePeer(0x11); len(dropped) != 1 || o.Len() != 0 {
		t.Fatalf("remove peer got=%+v len=%d", dropped, o.Len())
	}
}

func TestRetransmitThenDeliveryFailure(t *testing.T) {
	testlog.Start(t)
	l, sender, mock, failures := newTestLayer(t)
	ctx := context.Background()
	body, _ := payload.SetState{Channel: 1, On: true}.MarshalBinary()

	seq, err := l.Send(ctx, frame.Header{Dst: 0x10, Type: protocol.MsgSetState, Flags: frame.FlagNeedAck}, body)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if l.PendingCount() != 1 {
		t.Fatalf("expected one pending ack")
	}

	mock.Add(99 * time.Millisecond)
	if n := l.Sweep(ctx); n != 0 {
		t.Fatalf("resent before deadline: %d", n)
	}
	mock.Add(time.Millisecond)
	if n := l.Sweep(ctx); n != 1 {
		t.Fatalf("attempt 2 resent=%d", n)
	}
	mock.Add(100 * time.Millisecond)
	if n := l.Sweep(ctx); n != 1 {
		t.Fatalf("attempt 3 resent=%d", n)
	}
	if len(*failures) != 0 {
		t.Fatalf("failure reported early")
	}
	mock.Add(100 * time.Millisecond)
	if n := l.Sweep(ctx); n != 0 {
		t.Fatalf("fourth transmission: %d", n)
	}
	mock.Add(time.Second)
	l.Sweep(ctx)

	sent := sender.frames()
	if len(sent) != 3 {
		t.Fatalf("total transmissions got=%d want=3", len(sent))
	}
	for i, s := range sent {
		if s.f.Header.Seq != seq || s.dst != 0x10 || !s.f.NeedAck() {
			t.Fatalf("transmission %d header=%+v", i, s.f.Header)
		}
		if s.f.Retransmitted() != (i > 0) {
			t.Fatalf("transmission %d retransmitted=%v", i, s.f.Retransmitted())
		}
	}
	if len(*failures) != 1 {
		t.Fatalf("failures got=%d want=1", len(*failures))
	}
	f := (*failures)[0]
	if !errors.Is(f, protocol.ErrAckMissing) || f.Attempts != 3 || f.Seq != seq || f.Dst != 0x10 {
		t.Fatalf("unexpected failure: %+v", f)
	}
	crit := f.Critical()
	if crit.Code != payload.CriticalDeliveryFailure || crit.Source != 0x10 || uint16(crit.Value) != seq {
		t.Fatalf("unexpected critical report: %+v", crit)
	}
	if l.PendingCount() != 0 {
		t.Fatalf("pending after failure")
	}
	if st := l.Stats(); st.Retransmits != 2 || st.Failures != 1 || st.Sent != 1 {
		t.Fatalf("stats got=%+v", st)
	}
}

func TestAckCancelsRetransmission(t *testing.T) {
	testlog.Start(t)
	l, sender, mock, failures := newTestLayer(t)
	ctx := context.Background()
	seq, err := l.Send(ctx, frame.Header{Dst: 0x12, Type: protocol.MsgSetState, Flags: frame.FlagNeedAck}, []byte{0, 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ack := frame.Frame{Header: frame.Header{Src: 0x12, Dst: protocol.AddrCoordinator, Type: protocol.MsgAck, Seq: seq}}
	if _, ok := l.HandleAck(ack); !ok {
		t.Fatalf("ack did not match")
	}
	if _, ok := l.HandleAck(ack); ok {
		t.Fatalf("ack matched twice")
	}
	mock.Add(time.Second)
	l.Sweep(ctx)
	if len(sender.frames()) != 1 || len(*failures) != 0 {
		t.Fatalf("sent=%d failures=%d", len(sender.frames()), len(*failures))
	}
	wrongPeer := frame.Frame{Header: frame.Header{Src: 0x13, Type: protocol.MsgAck, Seq: seq}}
	if _, ok := l.HandleAck(wrongPeer); ok {
		t.Fatalf("ack from another peer matched")
	}
}

func TestBroadcastNeverAwaitsAck(t *testing.T) {
	testlog.Start(t)
	l, sender, _, _ := newTestLayer(t)
	_, err := l.Send(context.Background(), frame.Header{
		Dst:   protocol.AddrBroadcast,
		Type:  protocol.MsgDiscoveryReq,
		Flags: frame.FlagNeedAck,
	}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if l.PendingCount() != 0 {
		t.Fatalf("broadcast entered outbox")
	}
	if sent := sender.frames(); len(sent) != 1 || sent[0].f.NeedAck() {
		t.Fatalf("broadcast frame kept NEED_ACK: %+v", sent)
	}
}

func TestSendFailureIsNotTracked(t *testing.T) {
	testlog.Start(t)
	l, sender, _, _ := newTestLayer(t)
	sender.err = errors.New("radio down")
	if _, err := l.Send(context.Background(), frame.Header{Dst: 0x10, Type: protocol.MsgPing, Flags: frame.FlagNeedAck}, nil); err == nil {
		t.Fatalf("expected send error")
	}
	if l.PendingCount() != 0 {
		t.Fatalf("failed send tracked")
	}
	if _, err := l.Send(context.Background(), frame.Header{Dst: 0x10, Type: protocol.MsgPing}, make([]byte, 231)); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSequenceSharedAcrossDestinations(t *testing.T) {
	testlog.Start(t)
	l, sender, _, _ := newTestLayer(t)
	ctx := context.Background()
	for _, dst := range []protocol.Address{0x10, protocol.AddrBroadcast, 0x11, 0x10} {
		if _, err := l.Send(ctx, frame.Header{Dst: dst, Type: protocol.MsgPing}, nil); err != nil {
			t.Fatalf("send to %s: %v", dst, err)
		}
	}
	sent := sender.frames()
	for i := 1; i < len(sent); i++ {
		if sent[i].f.Header.Seq != sent[i-1].f.Header.Seq+1 {
			t.Fatalf("frame %d seq=%d follows %d", i, sent[i].f.Header.Seq, sent[i-1].f.Header.Seq)
		}
	}
	last := sent[len(sent)-1].f.Header.Seq
	if next := l.NextSeq(); next != last+1 {
		t.Fatalf("next seq=%d after %d", next, last)
	}
}

func TestReseedRestartsCounter(t *testing.T) {
	testlog.Start(t)
	l, _, _, _ := newTestLayer(t)
	first := l.NextSeq()
	l.Reseed()
	if again := l.NextSeq(); again == first+1 {
		t.Fatalf("reseeded counter continued at %d", again)
	}
}

// A broadcast sent between a frame and its retransmission must not move the
// receiver's window so far that the retransmission looks new.
func TestRetransmissionAfterBroadcastIsDuplicate(t *testing.T) {
	testlog.Start(t)
	for seed := int64(1); seed <= 20; seed++ {
		sender := &recordingSender{}
		mock := clock.NewMock()
		l := NewLayer(testConfig(), protocol.AddrCoordinator, sender, Options{
			Clock: mock,
			Rand:  rand.New(rand.NewSource(seed)),
		})
		ctx := context.Background()
		body, _ := payload.SetState{Channel: 1, On: true}.MarshalBinary()
		if _, err := l.Send(ctx, frame.Header{Dst: 0x10, Type: protocol.MsgSetState, Flags: frame.FlagNeedAck}, body); err != nil {
			t.Fatalf("seed %d: send: %v", seed, err)
		}
		if _, err := l.Send(ctx, frame.Header{Dst: protocol.AddrBroadcast, Type: protocol.MsgDiscoveryReq}, nil); err != nil {
			t.Fatalf("seed %d: broadcast: %v", seed, err)
		}
		mock.Add(100 * time.Millisecond)
		if n := l.Sweep(ctx); n != 1 {
			t.Fatalf("seed %d: resent=%d", seed, n)
		}

		rx := NewLayer(testConfig(), 0x10, &recordingSender{}, Options{Clock: mock})
		delivered := 0
		for _, s := range sender.frames() {
			if !rx.Duplicate(s.f) && s.f.Header.Type == protocol.MsgSetState {
				delivered++
			}
		}
		if delivered != 1 {
			t.Fatalf("seed %d: SET_STATE delivered %d times", seed, delivered)
		}
	}
}

func TestWindowAcceptsAndRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		seqs []uint16
		want []bool
	}{
		{"replay", []uint16{42, 42}, []bool{true, false}},
		{"wraparound forward", []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001}, []bool{true, true, true, true}},
		{"replay across wrap", []uint16{0xFFFF, 0x0000, 0xFFFF}, []bool{true, true, false}},
		{"late frame once", []uint16{10, 12, 11, 11}, []bool{true, true, true, false}},
		{"edge of window", []uint16{200, 137, 137}, []bool{true, true, false}},
		{"restart beyond window", []uint16{200, 136, 137, 200}, []bool{true, true, true, true}},
		{"large backward jump", []uint16{1000, 100, 100}, []bool{true, true, false}},
		{"far forward", []uint16{5, 5 + 300, 5}, []bool{true, true, true}},
	}
	for _, tc := range cases {
		d := NewDeduper()
		for i, seq := range tc.seqs {
			fresh := !d.Seen(0x20, seq, false)
			if fresh != tc.want[i] {
				t.Fatalf("%s: step %d seq=%d fresh=%v want=%v", tc.name, i, seq, fresh, tc.want[i])
			}
		}
	}
}

func TestWindowDropsStaleRetransmission(t *testing.T) {
	testlog.Start(t)
	d := NewDeduper()
	for seq := uint16(100); seq < 200; seq++ {
		if d.Seen(0x20, seq, false) {
			t.Fatalf("seq %d flagged", seq)
		}
	}
	if !d.Seen(0x20, 100, true) {
		t.Fatalf("retransmission behind the window accepted")
	}
	if last, _ := d.LastAccepted(0x20); last != 199 {
		t.Fatalf("stale retransmission moved the window to %d", last)
	}
	if d.Seen(0x20, 170, true) {
		t.Fatalf("retransmission inside the window whose original was lost flagged")
	}
	if d.Seen(0x20, 100, false) {
		t.Fatalf("unflagged frame behind the window is a restart")
	}
}

func TestWindowsAreIndependentPerSource(t *testing.T) {
	testlog.Start(t)
	d := NewDeduper()
	if d.Seen(0x20, 42, false) || d.Seen(0x21, 42, false) {
		t.Fatalf("first frames from distinct sources flagged")
	}
	if !d.Seen(0x20, 42, false) {
		t.Fatalf("replay not flagged")
	}
	if last, ok := d.LastAccepted(0x21); !ok || last != 42 {
		t.Fatalf("last accepted got=%d ok=%v", last, ok)
	}
	d.Forget(0x20)
	if d.Seen(0x20, 42, false) {
		t.Fatalf("forgotten source still deduped")
	}
}

func TestDuplicateClassification(t *testing.T) {
	testlog.Start(t)
	l, _, _, _ := newTestLayer(t)
	data := frame.Frame{Header: frame.Header{Src: 0x20, Dst: protocol.AddrCoordinator, Type: protocol.MsgEventUIInput, Seq: 42}}
	if l.Duplicate(data) {
		t.Fatalf("first frame flagged")
	}
	data.Header.Flags = frame.FlagRetransmitted
	if !l.Duplicate(data) {
		t.Fatalf("replay not flagged")
	}

	// A retransmission whose original was lost is delivered once.
	lost := frame.Frame{Header: frame.Header{Src: 0x20, Type: protocol.MsgEventUIInput, Seq: 43, Flags: frame.FlagRetransmitted}}
	if l.Duplicate(lost) {
		t.Fatalf("unseen retransmission flagged")
	}
	if !l.Duplicate(lost) {
		t.Fatalf("second retransmission not flagged")
	}

	ack := frame.Frame{Header: frame.Header{Src: 0x20, Type: protocol.MsgAck, Seq: 43}}
	if l.Duplicate(ack) || l.Duplicate(ack) {
		t.Fatalf("ack frames are never duplicates")
	}
	unassigned := frame.Frame{Header: frame.Header{Src: protocol.AddrUnassigned, Type: protocol.MsgDiscoveryRes, Seq: 9}}
	if l.Duplicate(unassigned) || l.Duplicate(unassigned) {
		t.Fatalf("unassigned sources are never deduped")
	}
	if l.Stats().Duplicates != 2 {
		t.Fatalf("duplicates got=%d", l.Stats().Duplicates)
	}
}

func TestSendAckEchoesSequence(t *testing.T) {
	testlog.Start(t)
	l, sender, _, _ := newTestLayer(t)
	in := frame.Frame{Header: frame.Header{Src: 0x20, Dst: protocol.AddrCoordinator, Type: protocol.MsgEventUIInput, Seq: 42, Flags: frame.FlagNeedAck}}
	if err := l.SendAck(context.Background(), in, payload.AckOK); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	sent := sender.frames()
	if len(sent) != 1 {
		t.Fatalf("sent=%d", len(sent))
	}
	h := sent[0].f.Header
	if h.Type != protocol.MsgAck || h.Seq != 42 || h.Dst != 0x20 || h.Src != protocol.AddrCoordinator || h.Flags != 0 {
		t.Fatalf("unexpected ack header: %+v", h)
	}

	in.Header.Src = protocol.AddrUnassigned
	if err := l.SendAck(context.Background(), in, payload.AckOK); err != nil {
		t.Fatalf("ack to unassigned: %v", err)
	}
	if len(sender.frames()) != 1 {
		t.Fatalf("ack sent to unassigned source")
	}
}

func TestAckedWithRemembersStatus(t *testing.T) {
	testlog.Start(t)
	l, _, _, _ := newTestLayer(t)
	ctx := context.Background()
	in := frame.Frame{Header: frame.Header{Src: 0x20, Dst: protocol.AddrCoordinator, Type: protocol.MsgSetState, Seq: 7, Flags: frame.FlagNeedAck}}
	if _, ok := l.AckedWith(in); ok {
		t.Fatalf("status known before any ack")
	}
	if err := l.SendAck(ctx, in, payload.AckRejected); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	if st, ok := l.AckedWith(in); !ok || st != payload.AckRejected {
		t.Fatalf("status got=%v ok=%v", st, ok)
	}
	l.Forget(0x20)
	if _, ok := l.AckedWith(in); ok {
		t.Fatalf("status kept after forget")
	}
}

func TestForgetDropsPeerState(t *testing.T) {
	testlog.Start(t)
	l, _, mock, failures := newTestLayer(t)
	ctx := context.Background()
	if _, err := l.Send(ctx, frame.Header{Dst: 0x10, Type: protocol.MsgReboot, Flags: frame.FlagNeedAck}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.Forget(0x10)
	mock.Add(time.Hour)
	l.Sweep(ctx)
	if l.PendingCount() != 0 || len(*failures) != 0 {
		t.Fatalf("pending=%d failures=%d", l.PendingCount(), len(*failures))
	}
}

func TestRunStopsWithContext(t *testing.T) {
	testlog.Start(t)
	l, _, _, _ := newTestLayer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
