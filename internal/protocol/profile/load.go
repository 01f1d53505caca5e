package profile

import (
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

const (
	// LoadHeaderLen covers profile_id, total_nodes, start_index and items_count.
	LoadHeaderLen = 4
	// MaxChunkNodes is how many nodes fit one PROFILE_LOAD payload.
	MaxChunkNodes = (230 - LoadHeaderLen) / NodeLen
)

// Load is one PROFILE_LOAD chunk: nodes StartIndex..StartIndex+len(Nodes)-1 of a profile
// that has TotalNodes nodes in all.
type Load struct {
	ProfileID  uint8
	TotalNodes uint8
	StartIndex uint8
	Nodes      []Node
}

func (Load) MsgType() protocol.MsgType { return protocol.MsgProfileLoad }

func (l Load) validate() error {
	switch {
	case len(l.Nodes) == 0:
		return fmt.Errorf("%w: profile_load without nodes", protocol.ErrInvalidPayload)
	case len(l.Nodes) > MaxChunkNodes:
		return fmt.Errorf("%w: profile_load carries %d nodes, max %d", protocol.ErrPayloadTooLarge, len(l.Nodes), MaxChunkNodes)
	case l.TotalNodes == 0:
		return fmt.Errorf("%w: profile_load declares zero nodes", protocol.ErrInvalidPayload)
	case int(l.StartIndex)+len(l.Nodes) > int(l.TotalNodes):
		return fmt.Errorf("%w: profile_load chunk %d+%d exceeds total %d",
			protocol.ErrInvalidPayload, l.StartIndex, len(l.Nodes), l.TotalNodes)
	}
	return nil
}

func (l Load) MarshalBinary() ([]byte, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, LoadHeaderLen+len(l.Nodes)*NodeLen)
	out = append(out, l.ProfileID, l.TotalNodes, l.StartIndex, uint8(len(l.Nodes)))
	var err error
	for _, n := range l.Nodes {
		if out, err = AppendNode(out, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Load) UnmarshalBinary(b []byte) error {
	if len(b) < LoadHeaderLen {
		return fmt.Errorf("%w: profile_load wants %d header bytes, got %d", protocol.ErrInvalidPayload, LoadHeaderLen, len(b))
	}
	count := int(b[3])
	body := b[LoadHeaderLen:]
	if len(body) != count*NodeLen {
		return fmt.Errorf("%w: profile_load declares %d nodes in %d bytes", protocol.ErrInvalidPayload, count, len(body))
	}
	l.ProfileID, l.TotalNodes, l.StartIndex = b[0], b[1], b[2]
	l.Nodes = make([]Node, count)
	for i := range l.Nodes {
		n, err := UnpackNode(body[i*NodeLen : (i+1)*NodeLen])
		if err != nil {
			return fmt.Errorf("node %d: %w", int(l.StartIndex)+i, err)
		}
		l.Nodes[i] = n
	}
	return l.validate()
}

// Chunks splits a valid profile into PROFILE_LOAD payloads of at most MaxChunkNodes nodes.
func Chunks(p Profile) ([]Load, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := make([]Load, 0, (len(p.Nodes)+MaxChunkNodes-1)/MaxChunkNodes)
	for start := 0; start < len(p.Nodes); start += MaxChunkNodes {
		end := min(start+MaxChunkNodes, len(p.Nodes))
		out = append(out, Load{
			ProfileID:  p.ID,
			TotalNodes: uint8(len(p.Nodes)),
			StartIndex: uint8(start),
			Nodes:      p.Nodes[start:end],
		})
	}
	return out, nil
}
