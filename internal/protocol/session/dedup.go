package session

import (
	"sync"

	"github.com/danmuck/headunit/internal/protocol"
)

// WindowSize is how many sequence numbers behind the newest one are remembered per source.
const WindowSize = 64

// window is the dedup state of one source. Distances are taken as signed 16-bit
// differences so that 0xFFFF -> 0x0000 is a step forward.
//
//	d > 0             new; the window slides forward
//	d == 0            duplicate
//	-64 < d < 0       late frame; duplicate only if its bit is set
//	d <= -64          the peer restarted its counter; treated as new, unless the
//	                  frame is flagged RETRANSMITTED: a retransmission always
//	                  repeats a number the sender used before, so it is dropped
type window struct {
	mu     sync.Mutex
	primed bool
	last   uint16
	seen   uint64 // bit i set: last-i was accepted
}

// accept reports whether seq is new and records it.
func (w *window) accept(seq uint16, retransmitted bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.primed {
		w.primed = true
		w.last = seq
		w.seen = 1
		return true
	}
	d := int16(seq - w.last)
	switch {
	case d > 0:
		if d >= WindowSize {
			w.seen = 1
		} else {
			w.seen = w.seen<<uint(d) | 1
		}
		w.last = seq
		return true
	case d == 0:
		return false
	case d > -WindowSize:
		bit := uint64(1) << uint(-d)
		if w.seen&bit != 0 {
			return false
		}
		w.seen |= bit
		return true
	case retransmitted:
		return false
	default:
		w.last = seq
		w.seen = 1
		return true
	}
}

func (w *window) snapshot() (uint16, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.primed
}

// Deduper holds one window per source address. Windows are independent; the map
// lock is only held to find or create one.
type Deduper struct {
	mu    sync.RWMutex
	peers map[protocol.Address]*window
}

func NewDeduper() *Deduper {
	return &Deduper{peers: make(map[protocol.Address]*window)}
}

func (d *Deduper) peer(src protocol.Address) *window {
	d.mu.RLock()
	w, ok := d.peers[src]
	d.mu.RUnlock()
	if ok {
		return w
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok = d.peers[src]; !ok {
		w = &window{}
		d.peers[src] = w
	}
	return w
}

// Seen reports whether (src, seq) was already accepted, and records it if not.
// retransmitted is the frame's RETRANSMITTED flag.
func (d *Deduper) Seen(src protocol.Address, seq uint16, retransmitted bool) bool {
	return !d.peer(src).accept(seq, retransmitted)
}

// LastAccepted returns the newest sequence number accepted from src.
func (d *Deduper) LastAccepted(src protocol.Address) (uint16, bool) {
	d.mu.RLock()
	w, ok := d.peers[src]
	d.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return w.snapshot()
}

// Forget drops the state of src, e.g. after its address was handed to another device.
func (d *Deduper) Forget(src protocol.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, src)
}
