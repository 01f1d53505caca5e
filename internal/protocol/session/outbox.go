package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
)

// PendingAck tracks one NEED_ACK frame awaiting its ACK.
type PendingAck struct {
	Dst           protocol.Address
	Seq           uint16
	Type          protocol.MsgType
	Header        frame.Header
	Payload       []byte
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	Deadline      time.Time
	LastError     string
}

// ackKey names a frame by its peer address and sequence number.
type ackKey struct {
	peer protocol.Address
	seq  uint16
}

// Outbox stores pending ACKs by (dst, seq).
type Outbox struct {
	mu    sync.RWMutex
	items map[ackKey]PendingAck
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[ackKey]PendingAck),
	}
}

func (o *Outbox) Upsert(item PendingAck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[ackKey{item.Dst, item.Seq}] = item
}

// MarkAttempt records one more transmission and moves the deadline.
func (o *Outbox) MarkAttempt(dst protocol.Address, seq uint16, at, deadline time.Time, lastErr string) (PendingAck, bool) {
	key := ackKey{dst, seq}
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingAck{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.Deadline = deadline
	item.LastError = lastErr
	o.items[key] = item
	return item, true
}

// Remove deletes the entry and reports whether this call removed it. Exactly one of
// several racing callers sees true.
func (o *Outbox) Remove(dst protocol.Address, seq uint16) (PendingAck, bool) {
	key := ackKey{dst, seq}
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

// RemovePeer drops every entry addressed to dst.
func (o *Outbox) RemovePeer(dst protocol.Address) []PendingAck {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingAck
	for key, item := range o.items {
		if key.peer == dst {
			out = append(out, item)
			delete(o.items, key)
		}
	}
	return out
}

func (o *Outbox) Get(dst protocol.Address, seq uint16) (PendingAck, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[ackKey{dst, seq}]
	return item, ok
}

// Due returns entries whose deadline is not after now, oldest deadline first.
func (o *Outbox) Due(now time.Time) []PendingAck {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []PendingAck
	for _, item := range o.items {
		if !item.Deadline.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *Outbox) List() []PendingAck {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingAck, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dst != out[j].Dst {
			return out[i].Dst < out[j].Dst
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
