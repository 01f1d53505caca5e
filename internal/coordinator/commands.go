package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/headunit/internal/observability"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/profile"
)

// send encodes m and hands it to the session layer. Unicasts request an ACK;
// the returned sequence number identifies the frame in Pending and in
// delivery failures.
func (s *Service) send(ctx context.Context, dst protocol.Address, m payload.Message) (uint16, error) {
	if err := s.checkTarget(dst); err != nil {
		return 0, err
	}
	body, err := payload.Encode(m)
	if err != nil {
		return 0, err
	}
	h := frame.Header{Dst: dst, Type: m.MsgType()}
	if !dst.IsBroadcast() {
		h.Flags = frame.FlagNeedAck
	}
	return s.ses.Send(ctx, h, body)
}

// checkTarget accepts broadcast and any address the registry has handed out.
func (s *Service) checkTarget(dst protocol.Address) error {
	if dst.IsBroadcast() {
		return nil
	}
	if !dst.IsDynamic() {
		return fmt.Errorf("%w: %s is not a node address", protocol.ErrInvalidAddress, dst)
	}
	if _, ok := s.reg.LookupAddress(dst); !ok {
		return fmt.Errorf("%w: nothing holds %s", protocol.ErrUnknownDevice, dst)
	}
	return nil
}

func (s *Service) SetState(ctx context.Context, dst protocol.Address, channel uint8, on bool) (uint16, error) {
	return s.send(ctx, dst, payload.SetState{Channel: channel, On: on})
}

func (s *Service) ConfigureHaptic(ctx context.Context, dst protocol.Address, cfg payload.HapticCfg) (uint16, error) {
	return s.send(ctx, dst, cfg)
}

func (s *Service) ShowWidget(ctx context.Context, dst protocol.Address, w payload.UIWidget) (uint16, error) {
	return s.send(ctx, dst, w)
}

// ShowMenu sends items as consecutive UI_MENU windows.
func (s *Service) ShowMenu(ctx context.Context, dst protocol.Address, listID uint8, items []payload.MenuItem) ([]uint16, error) {
	pages, err := payload.MenuPages(listID, items)
	if err != nil {
		return nil, err
	}
	seqs := make([]uint16, 0, len(pages))
	for _, page := range pages {
		seq, err := s.send(ctx, dst, page)
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// LoadProfile splits p into PROFILE_LOAD chunks and sends them in order. The
// node activates the profile once every chunk has arrived.
func (s *Service) LoadProfile(ctx context.Context, dst protocol.Address, p profile.Profile) ([]uint16, error) {
	start := s.clk.Now()
	chunks, err := profile.Chunks(p)
	if err != nil {
		return nil, err
	}
	seqs := make([]uint16, 0, len(chunks))
	for i := range chunks {
		seq, err := s.send(ctx, dst, &chunks[i])
		if err != nil {
			return seqs, fmt.Errorf("coordinator: profile %d chunk %d: %w", p.ID, i, err)
		}
		seqs = append(seqs, seq)
	}
	s.log.Info().Uint8("profile", p.ID).Str("dst", dst.String()).Int("chunks", len(chunks)).Msg("profile sent")
	observability.RecordProfileLoad(s.clk.Since(start))
	return seqs, nil
}

func (s *Service) Ping(ctx context.Context, dst protocol.Address) (uint16, error) {
	return s.send(ctx, dst, payload.Ping{TimestampMS: uint32(s.clk.Since(s.startedAt) / time.Millisecond)})
}

func (s *Service) Reboot(ctx context.Context, dst protocol.Address, delay time.Duration) (uint16, error) {
	ms := min(max(delay, 0)/time.Millisecond, 0xFFFF)
	return s.send(ctx, dst, payload.Reboot{DelayMS: uint16(ms)})
}

// Discover broadcasts DISCOVERY_REQ and returns the round id.
func (s *Service) Discover(ctx context.Context) (string, error) {
	return s.disc.Broadcast(ctx)
}
