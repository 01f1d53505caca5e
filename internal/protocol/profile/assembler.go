package profile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/headunit/internal/protocol"
)

// DefaultAssemblyTimeout drops a partial profile that stops receiving chunks.
const DefaultAssemblyTimeout = 5 * time.Second

// Pending is a snapshot of one partially received profile.
type Pending struct {
	Source     protocol.Address
	ProfileID  uint8
	TotalNodes uint8
	Received   int
	// HighestStart is the largest start_index seen so far.
	HighestStart uint8
	StartedAt    time.Time
	UpdatedAt    time.Time
}

type assembly struct {
	Pending
	nodes  []Node
	filled []bool
}

// Assembler rebuilds profiles from PROFILE_LOAD chunks. It keeps at most one pending
// assembly per source; a chunk for a newer profile id replaces it, one for an
// older id fails with ErrStaleProfile. Ids are compared in 8-bit serial number
// arithmetic, so 0 is newer than 255.
type Assembler struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration
	pending map[protocol.Address]*assembly
}

func NewAssembler(clk clock.Clock, timeout time.Duration) *Assembler {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultAssemblyTimeout
	}
	return &Assembler{
		clk:     clk,
		timeout: timeout,
		pending: make(map[protocol.Address]*assembly),
	}
}

// Add merges one chunk. It returns the profile and true once every index is filled.
// Chunks may repeat or arrive in any order; a repeated index is overwritten.
// A complete profile whose times do not increase fails with ErrOutOfOrderNode and
// is discarded.
func (a *Assembler) Add(src protocol.Address, l Load) (Profile, bool, error) {
	if err := l.validate(); err != nil {
		return Profile{}, false, err
	}
	now := a.clk.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.pending[src]
	if ok && cur.ProfileID != l.ProfileID && !newerID(l.ProfileID, cur.ProfileID) {
		return Profile{}, false, fmt.Errorf("%w: chunk for %d while %d is pending", protocol.ErrStaleProfile, l.ProfileID, cur.ProfileID)
	}
	if ok && (cur.ProfileID != l.ProfileID || cur.TotalNodes != l.TotalNodes) {
		ok = false
	}
	if !ok {
		cur = &assembly{
			Pending: Pending{
				Source:     src,
				ProfileID:  l.ProfileID,
				TotalNodes: l.TotalNodes,
				StartedAt:  now,
			},
			nodes:  make([]Node, l.TotalNodes),
			filled: make([]bool, l.TotalNodes),
		}
		a.pending[src] = cur
	}
	for i, n := range l.Nodes {
		idx := int(l.StartIndex) + i
		if !cur.filled[idx] {
			cur.filled[idx] = true
			cur.Received++
		}
		cur.nodes[idx] = n
	}
	if l.StartIndex > cur.HighestStart {
		cur.HighestStart = l.StartIndex
	}
	cur.UpdatedAt = now

	if cur.Received < int(cur.TotalNodes) {
		return Profile{}, false, nil
	}
	delete(a.pending, src)
	p := Profile{ID: cur.ProfileID, Nodes: cur.nodes}
	if err := p.Validate(); err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func newerID(a, b uint8) bool { return int8(a-b) > 0 }

func (a *Assembler) Timeout() time.Duration { return a.timeout }

// Sweep drops assemblies idle for longer than the timeout and returns them.
func (a *Assembler) Sweep() []Pending {
	now := a.clk.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var dropped []Pending
	for src, cur := range a.pending {
		if now.Sub(cur.UpdatedAt) >= a.timeout {
			dropped = append(dropped, cur.Pending)
			delete(a.pending, src)
		}
	}
	return dropped
}

// Discard forgets the pending assembly of src.
func (a *Assembler) Discard(src protocol.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, src)
}

// Missing lists the node indices src still owes.
func (a *Assembler) Missing(src protocol.Address) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.pending[src]
	if !ok {
		return nil, fmt.Errorf("%w: nothing pending from %s", protocol.ErrIncompleteAssembly, src)
	}
	var out []int
	for i, f := range cur.filled {
		if !f {
			out = append(out, i)
		}
	}
	return out, nil
}

func (a *Assembler) List() []Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Pending, 0, len(a.pending))
	for _, cur := range a.pending {
		out = append(out, cur.Pending)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source < out[j].Source
	})
	return out
}
