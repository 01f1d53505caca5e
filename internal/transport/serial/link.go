// Package serial carries frames over the UART of a USB radio dongle. Each
// frame is followed by a big-endian CRC16/MODBUS of its bytes. The dongle
// forwards frames to the air by their dst byte, so the link itself is
// address-agnostic.
package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sigurn/crc16"
	bugserial "go.bug.st/serial"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/transport"
)

const (
	DefaultBaud = 115200
	crcLen      = 2
	readChunk   = 256
	rxQueue     = 64
)

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum is the CRC16/MODBUS of b.
func Checksum(b []byte) uint16 {
	return crc16.Checksum(b, table)
}

// Seal appends the CRC trailer to a frame.
func Seal(datagram []byte) []byte {
	out := make([]byte, 0, len(datagram)+crcLen)
	out = append(out, datagram...)
	return binary.BigEndian.AppendUint16(out, Checksum(datagram))
}

// Stats counts link-level events.
type Stats struct {
	Frames    uint64
	CRCErrors uint64
	Skipped   uint64
}

// Link implements transport.Transport over any byte stream.
type Link struct {
	rw  io.ReadWriteCloser
	log zerolog.Logger

	wmu     sync.Mutex
	rx      chan []byte
	done    chan struct{}
	once    sync.Once
	errMu   sync.Mutex
	readErr error

	frames, crcErrors, skipped atomic.Uint64
}

var _ transport.Transport = (*Link)(nil)

// Open opens a serial device at baud 8N1 and starts reading from it.
func Open(name string, baud int, logger zerolog.Logger) (*Link, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := bugserial.Open(name, &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warn().Err(err).Str("port", name).Msg("could not flush input")
	}
	return NewLink(port, logger.With().Str("port", name).Logger()), nil
}

// NewLink wraps rw and starts the read loop. Closing the link closes rw.
func NewLink(rw io.ReadWriteCloser, logger zerolog.Logger) *Link {
	l := &Link{
		rw:   rw,
		log:  logger.With().Str("component", "serial").Logger(),
		rx:   make(chan []byte, rxQueue),
		done: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) Send(ctx context.Context, _ protocol.Address, datagram []byte) error {
	if len(datagram) > transport.MaxDatagram {
		return transport.ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.rw.Write(Seal(datagram)); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-l.rx:
		if !ok {
			return nil, l.closedErr()
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) closedErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.readErr != nil && !errors.Is(l.readErr, io.EOF) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, l.readErr)
	}
	return transport.ErrClosed
}

func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rw.Close()
	})
	return err
}

func (l *Link) Stats() Stats {
	return Stats{Frames: l.frames.Load(), CRCErrors: l.crcErrors.Load(), Skipped: l.skipped.Load()}
}

func (l *Link) readLoop() {
	defer close(l.rx)
	var d Decoder
	buf := make([]byte, readChunk)
	for {
		n, err := l.rw.Read(buf)
		if n > 0 {
			for _, f := range d.Feed(buf[:n]) {
				l.frames.Add(1)
				select {
				case l.rx <- f:
				case <-l.done:
					return
				}
			}
			st := d.Stats()
			l.crcErrors.Store(st.CRCErrors)
			l.skipped.Store(st.Skipped)
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Error().Err(err).Msg("read loop stopped")
			}
			l.errMu.Lock()
			l.readErr = err
			l.errMu.Unlock()
			return
		}
	}
}

// Decoder splits a byte stream into CRC-checked frames. It resyncs on the
// next magic byte after garbage, an impossible length or a bad CRC.
type Decoder struct {
	buf       []byte
	crcErrors uint64
	skipped   uint64
}

// Feed appends b and returns every complete, valid frame now available.
func (d *Decoder) Feed(b []byte) [][]byte {
	d.buf = append(d.buf, b...)
	var out [][]byte
	for len(d.buf) > 0 {
		if d.buf[0] != frame.Magic {
			d.skip()
			continue
		}
		n := frame.Len(d.buf)
		if n == 0 {
			break
		}
		if n > frame.MaxFrame {
			d.skip()
			continue
		}
		if len(d.buf) < n+crcLen {
			break
		}
		body := d.buf[:n]
		if binary.BigEndian.Uint16(d.buf[n:n+crcLen]) != Checksum(body) {
			d.crcErrors++
			d.skip()
			continue
		}
		out = append(out, append([]byte(nil), body...))
		d.buf = d.buf[n+crcLen:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

func (d *Decoder) skip() {
	before := len(d.buf)
	d.buf = frame.Resync(d.buf)
	d.skipped += uint64(before - len(d.buf))
}

func (d *Decoder) Stats() Stats {
	return Stats{CRCErrors: d.crcErrors, Skipped: d.skipped}
}
