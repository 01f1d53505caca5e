package profile

import (
	"fmt"
	"math"

	"github.com/danmuck/headunit/internal/protocol"
)

// MaxNodes is the largest node count total_nodes can declare.
const MaxNodes = 255

// Profile is a complete trajectory for one actuator group.
type Profile struct {
	ID    uint8
	Nodes []Node
}

// Validate checks the node count and that node times strictly increase.
func (p Profile) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: profile %d has no nodes", protocol.ErrInvalidPayload, p.ID)
	}
	if len(p.Nodes) > MaxNodes {
		return fmt.Errorf("%w: profile %d has %d nodes, max %d", protocol.ErrInvalidPayload, p.ID, len(p.Nodes), MaxNodes)
	}
	for i := 1; i < len(p.Nodes); i++ {
		if p.Nodes[i].TimeOffsetMS <= p.Nodes[i-1].TimeOffsetMS {
			return fmt.Errorf("%w: profile %d node %d at %dms after %dms",
				protocol.ErrOutOfOrderNode, p.ID, i, p.Nodes[i].TimeOffsetMS, p.Nodes[i-1].TimeOffsetMS)
		}
	}
	return nil
}

// Duration is the time offset of the last node.
func (p Profile) Duration() uint32 {
	if len(p.Nodes) == 0 {
		return 0
	}
	return uint32(p.Nodes[len(p.Nodes)-1].TimeOffsetMS)
}

// Setpoints are the interpolated values of a profile at one instant.
type Setpoints struct {
	Target    [NumChannels]float64
	Tolerance [NumChannels]float64
	// Priority is the authoritative channel of the active segment. Other channels are advisory.
	Priority Priority
	Mode     Interpolation
	// Segment is the index of the node that starts the active segment.
	Segment int
}

// PriorityTarget is the target of the authoritative channel.
func (s Setpoints) PriorityTarget() float64 { return s.Target[s.Priority.Channel()] }

// Within reports whether measured lies inside the tolerance band of c.
func (s Setpoints) Within(c Channel, measured float64) bool {
	return math.Abs(measured-s.Target[c]) <= s.Tolerance[c]
}

func nodeSetpoints(n Node, idx int) Setpoints {
	sp := Setpoints{Priority: n.Priority, Mode: n.Mode, Segment: idx}
	for c := Channel(0); c < NumChannels; c++ {
		sp.Target[c] = n.TargetValue(c)
		sp.Tolerance[c] = n.ToleranceValue(c)
	}
	return sp
}

// ValueAt returns the setpoints elapsedMS after the profile started. Before the first node
// and after the last one the values clamp to that node. At a node's own time the node's
// values are returned exactly, whatever the mode. The profile must be valid.
func (p Profile) ValueAt(elapsedMS uint32) Setpoints {
	nodes := p.Nodes
	if len(nodes) == 0 {
		return Setpoints{}
	}
	if elapsedMS <= uint32(nodes[0].TimeOffsetMS) {
		return nodeSetpoints(nodes[0], 0)
	}
	last := len(nodes) - 1
	if elapsedMS >= uint32(nodes[last].TimeOffsetMS) {
		return nodeSetpoints(nodes[last], last)
	}

	i := segmentAt(nodes, elapsedMS)
	a, b := nodes[i], nodes[i+1]
	sp := nodeSetpoints(a, i)
	if elapsedMS == uint32(a.TimeOffsetMS) || a.Mode == Step {
		return sp
	}

	ta, tb := float64(a.TimeOffsetMS), float64(b.TimeOffsetMS)
	t := float64(elapsedMS)
	spline := a.Mode == Spline && i > 0 && i+2 <= last
	for c := Channel(0); c < NumChannels; c++ {
		if spline {
			prev, next := nodes[i-1], nodes[i+2]
			tp, tn := float64(prev.TimeOffsetMS), float64(next.TimeOffsetMS)
			sp.Target[c] = clampChannel(c, hermite(
				tp, ta, tb, tn,
				prev.TargetValue(c), a.TargetValue(c), b.TargetValue(c), next.TargetValue(c), t))
			sp.Tolerance[c] = clampChannel(c, hermite(
				tp, ta, tb, tn,
				prev.ToleranceValue(c), a.ToleranceValue(c), b.ToleranceValue(c), next.ToleranceValue(c), t))
			continue
		}
		sp.Target[c] = lerp(a.TargetValue(c), b.TargetValue(c), ta, tb, t)
		sp.Tolerance[c] = lerp(a.ToleranceValue(c), b.ToleranceValue(c), ta, tb, t)
	}
	return sp
}

// segmentAt returns i with nodes[i].time <= t < nodes[i+1].time.
func segmentAt(nodes []Node, t uint32) int {
	lo, hi := 0, len(nodes)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if uint32(nodes[mid].TimeOffsetMS) <= t {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func lerp(va, vb, ta, tb, t float64) float64 {
	return va + (vb-va)*(t-ta)/(tb-ta)
}

// hermite evaluates the cubic Hermite segment between (ta, va) and (tb, vb) whose end
// tangents are the Catmull-Rom slopes through the neighbouring nodes.
func hermite(tp, ta, tb, tn, vp, va, vb, vn, t float64) float64 {
	h := tb - ta
	s := (t - ta) / h
	ma := (vb - vp) / (tb - tp) * h
	mb := (vn - va) / (tn - ta) * h
	s2, s3 := s*s, s*s*s
	return (2*s3-3*s2+1)*va + (s3-2*s2+s)*ma + (-2*s3+3*s2)*vb + (s3-s2)*mb
}

func clampChannel(c Channel, v float64) float64 {
	return math.Min(math.Max(v, 0), c.Max())
}
