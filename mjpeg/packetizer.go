package mjpeg

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	// PayloadTypeJPEG is the static RTP payload type for JPEG (RFC 3551)
	PayloadTypeJPEG = 26
	// ClockRate is the RTP clock for video
	ClockRate = 90000
	// DefaultMTU leaves room for IP and UDP headers on Ethernet
	DefaultMTU = 1400

	rtpHeaderSize    = 12
	jpegHeaderSize   = 8
	qtableHeaderSize = 4

	// dynamicQ signals that quantization tables travel in-band
	dynamicQ = 255
	// maxDimension is the largest width or height the 8-bit block count allows
	maxDimension = 2040
)

// Packetizer splits JPEG frames into RTP packets per RFC 2435
type Packetizer struct {
	ssrc      uint32
	mtu       int
	mu        sync.Mutex
	sequencer rtp.Sequencer

	packets atomic.Uint64
	frames  atomic.Uint64
	bytes   atomic.Uint64
}

// PacketizerStats holds packetization counters
type PacketizerStats struct {
	Packets uint64 `json:"packets"`
	Frames  uint64 `json:"frames"`
	Bytes   uint64 `json:"bytes"`
}

// NewPacketizer creates a packetizer with a random initial sequence number
func NewPacketizer(ssrc uint32, mtu int) *Packetizer {
	return newPacketizer(ssrc, mtu, rtp.NewRandomSequencer())
}

func newPacketizer(ssrc uint32, mtu int, sequencer rtp.Sequencer) *Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Packetizer{ssrc: ssrc, mtu: mtu, sequencer: sequencer}
}

// Packetize converts one baseline JPEG into marshaled RTP packets sharing
// timestamp. The first packet carries the quantization tables; the last
// one has the marker bit set.
func (p *Packetizer) Packetize(jpegData []byte, timestamp uint32) ([][]byte, error) {
	frame, err := parseJPEG(jpegData)
	if err != nil {
		return nil, err
	}
	if frame.width <= 0 || frame.height <= 0 || frame.width > maxDimension || frame.height > maxDimension ||
		frame.width%8 != 0 || frame.height%8 != 0 {
		return nil, fmt.Errorf("frame size %dx%d must be a multiple of 8 up to %d: %w",
			frame.width, frame.height, maxDimension, ErrUnsupportedJPEG)
	}

	qheader := make([]byte, qtableHeaderSize, qtableHeaderSize+len(frame.qtables))
	binary.BigEndian.PutUint16(qheader[2:], uint16(len(frame.qtables)))
	qheader = append(qheader, frame.qtables...)

	room := p.mtu - rtpHeaderSize - jpegHeaderSize
	if room-len(qheader) <= 0 {
		return nil, fmt.Errorf("MTU %d too small for quantization tables", p.mtu)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var packets [][]byte
	scan := frame.scan
	offset := 0
	for {
		extra := []byte(nil)
		if offset == 0 {
			extra = qheader
		}
		n := min(room-len(extra), len(scan)-offset)
		last := offset+n >= len(scan)

		payload := make([]byte, jpegHeaderSize, jpegHeaderSize+len(extra)+n)
		putJPEGHeader(payload, offset, frame)
		payload = append(payload, extra...)
		payload = append(payload, scan[offset:offset+n]...)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    PayloadTypeJPEG,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
		}
		packets = append(packets, raw)

		offset += n
		if last {
			break
		}
	}

	p.packets.Add(uint64(len(packets)))
	p.frames.Add(1)
	p.bytes.Add(uint64(len(jpegData)))
	return packets, nil
}

// putJPEGHeader writes the 8-byte RTP/JPEG main header into b
func putJPEGHeader(b []byte, offset int, frame *jpegFrame) {
	b[0] = 0 // type-specific
	b[1] = byte(offset >> 16)
	b[2] = byte(offset >> 8)
	b[3] = byte(offset)
	b[4] = frame.typ
	b[5] = dynamicQ
	b[6] = byte(frame.width / 8)
	b[7] = byte(frame.height / 8)
}

// Stats returns the packetization counters
func (p *Packetizer) Stats() PacketizerStats {
	return PacketizerStats{
		Packets: p.packets.Load(),
		Frames:  p.frames.Load(),
		Bytes:   p.bytes.Load(),
	}
}
