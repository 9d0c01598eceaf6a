package mjpeg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// JPEG types carried in the RTP/JPEG main header
const (
	jpegType422 = 0
	jpegType420 = 1
)

// ErrUnsupportedJPEG is returned for JPEG streams RTP/JPEG cannot carry
var ErrUnsupportedJPEG = errors.New("unsupported JPEG stream")

// jpegFrame is a baseline JPEG split into the parts RTP/JPEG transmits
type jpegFrame struct {
	typ     uint8
	width   int
	height  int
	qtables []byte // 64-byte tables, ordered by table ID
	scan    []byte // entropy-coded data between SOS and EOI
}

// EncodeI420 compresses one planar I420 frame into buf as baseline JPEG
func EncodeI420(buf *bytes.Buffer, frame []byte, width, height, quality int) error {
	cw, ch := (width+1)/2, (height+1)/2
	ySize := width * height
	if want := ySize + 2*cw*ch; len(frame) != want {
		return fmt.Errorf("I420 frame is %d bytes, want %d for %dx%d", len(frame), want, width, height)
	}

	img := &image.YCbCr{
		Y:              frame[:ySize],
		Cb:             frame[ySize : ySize+cw*ch],
		Cr:             frame[ySize+cw*ch:],
		YStride:        width,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: quality})
}

// parseJPEG locates the quantization tables and scan data of a baseline
// JPEG. Only three-component 4:2:0 or 4:2:2 images without restart
// intervals are accepted.
func parseJPEG(data []byte) (*jpegFrame, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("missing SOI marker: %w", ErrUnsupportedJPEG)
	}

	f := &jpegFrame{}
	var tables [4][]byte
	sawFrame := false

	for i := 2; i+4 <= len(data); {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("expected marker at offset %d: %w", i, ErrUnsupportedJPEG)
		}
		marker := data[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2:]))
		if length < 2 || i+2+length > len(data) {
			return nil, fmt.Errorf("truncated segment 0x%02X: %w", marker, ErrUnsupportedJPEG)
		}
		seg := data[i+4 : i+2+length]

		switch marker {
		case 0xDB: // DQT
			for len(seg) > 0 {
				if seg[0]>>4 != 0 {
					return nil, fmt.Errorf("16-bit quantization tables: %w", ErrUnsupportedJPEG)
				}
				id := seg[0] & 0x0F
				if id > 3 || len(seg) < 65 {
					return nil, fmt.Errorf("malformed DQT: %w", ErrUnsupportedJPEG)
				}
				tables[id] = seg[1:65]
				seg = seg[65:]
			}

		case 0xC0: // SOF0
			if len(seg) < 15 || seg[5] != 3 {
				return nil, fmt.Errorf("only three-component images: %w", ErrUnsupportedJPEG)
			}
			f.height = int(binary.BigEndian.Uint16(seg[1:]))
			f.width = int(binary.BigEndian.Uint16(seg[3:]))
			switch seg[7] {
			case 0x22:
				f.typ = jpegType420
			case 0x21:
				f.typ = jpegType422
			default:
				return nil, fmt.Errorf("luma sampling 0x%02X: %w", seg[7], ErrUnsupportedJPEG)
			}
			if seg[10] != 0x11 || seg[13] != 0x11 {
				return nil, fmt.Errorf("chroma must not be subsampled twice: %w", ErrUnsupportedJPEG)
			}
			sawFrame = true

		case 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return nil, fmt.Errorf("non-baseline frame 0x%02X: %w", marker, ErrUnsupportedJPEG)

		case 0xDD: // DRI
			return nil, fmt.Errorf("restart intervals: %w", ErrUnsupportedJPEG)

		case 0xDA: // SOS
			if !sawFrame {
				return nil, fmt.Errorf("scan before frame header: %w", ErrUnsupportedJPEG)
			}
			end := len(data)
			if end >= 2 && data[end-2] == 0xFF && data[end-1] == 0xD9 {
				end -= 2
			}
			f.scan = data[i+2+length : end]
			for _, t := range tables {
				f.qtables = append(f.qtables, t...)
			}
			return f, nil
		}

		i += 2 + length
	}
	return nil, fmt.Errorf("missing SOS marker: %w", ErrUnsupportedJPEG)
}
