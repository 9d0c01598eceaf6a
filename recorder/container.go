package recorder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"capture-recorder/capture"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Container file layout:
//
//	magic "CAPR" | version (1 byte) | flags (1 byte) | body
//
// The body is a msgpack Metadata value followed by one msgpack Record per
// sample, zstd-compressed when flagCompressed is set.
const (
	containerVersion = 1
	flagCompressed   = 1 << 0
)

var containerMagic = []byte("CAPR")

// Metadata is written once at the start of every container
type Metadata struct {
	Created    time.Time `msgpack:"created"`
	RecorderID string    `msgpack:"recorder"`
	Mirrored   bool      `msgpack:"mirrored"`
}

// Record is the on-disk form of one sample
type Record struct {
	Kind     uint8  `msgpack:"k"`
	Sequence uint64 `msgpack:"s"`
	PTS      int64  `msgpack:"p"`
	Duration int64  `msgpack:"d"`
	Keyframe bool   `msgpack:"key,omitempty"`
	DeviceID string `msgpack:"dev,omitempty"`
	Data     []byte `msgpack:"b"`
}

func recordFromSample(buf *capture.SampleBuffer) Record {
	return Record{
		Kind:     uint8(buf.Kind),
		Sequence: buf.Sequence,
		PTS:      int64(buf.PTS),
		Duration: int64(buf.Duration),
		Keyframe: buf.Keyframe,
		DeviceID: buf.DeviceID,
		Data:     buf.Data,
	}
}

// Sample converts the record back to a sample buffer
func (r Record) Sample() *capture.SampleBuffer {
	return &capture.SampleBuffer{
		Kind:     capture.MediaKind(r.Kind),
		Sequence: r.Sequence,
		PTS:      time.Duration(r.PTS),
		Duration: time.Duration(r.Duration),
		Keyframe: r.Keyframe,
		DeviceID: r.DeviceID,
		Data:     r.Data,
	}
}

// trackingWriter remembers the first write error so encoder failures can be
// told apart from I/O failures.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

type containerWriter struct {
	path string
	file *os.File
	buf  *bufio.Writer
	zw   *zstd.Encoder
	out  *trackingWriter
	enc  *msgpack.Encoder
	sync bool

	records uint64
	bytes   uint64
}

// createContainer creates (or truncates) the file at path and writes the header.
// Failures to create the directory or file wrap ErrPathUnavailable.
func createContainer(path string, opts Options, meta Metadata) (*containerWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w: %w", capture.ErrPathUnavailable, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w: %w", path, capture.ErrPathUnavailable, err)
	}

	w := &containerWriter{
		path: path,
		file: file,
		buf:  bufio.NewWriterSize(file, opts.BufferSize),
		sync: opts.SyncOnClose,
	}

	var flags byte
	if opts.Compress {
		flags |= flagCompressed
	}
	header := append(append([]byte{}, containerMagic...), containerVersion, flags)
	if _, err := w.buf.Write(header); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write container header: %w: %w", capture.ErrIO, err)
	}

	var body io.Writer = w.buf
	if opts.Compress {
		zw, err := zstd.NewWriter(w.buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)))
		if err != nil {
			w.abort()
			return nil, fmt.Errorf("failed to create zstd encoder: %w: %w", capture.ErrEncoding, err)
		}
		w.zw = zw
		body = zw
	}
	w.out = &trackingWriter{w: body}
	w.enc = msgpack.NewEncoder(w.out)

	if err := w.encode(&meta); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *containerWriter) encode(v interface{}) error {
	if err := w.enc.Encode(v); err != nil {
		if w.out.err != nil {
			return fmt.Errorf("failed to write %s: %w: %w", w.path, capture.ErrIO, w.out.err)
		}
		return fmt.Errorf("failed to encode record: %w: %w", capture.ErrEncoding, err)
	}
	return nil
}

// WriteSample appends one sample record
func (w *containerWriter) WriteSample(buf *capture.SampleBuffer) error {
	rec := recordFromSample(buf)
	if err := w.encode(&rec); err != nil {
		return err
	}
	w.records++
	w.bytes += uint64(len(buf.Data))
	return nil
}

// Close flushes every layer and closes the file. The file is closed even
// when flushing fails.
func (w *containerWriter) Close() error {
	var errs []error
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to finish compression: %w", err))
		}
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush %s: %w", w.path, err))
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", w.path, err))
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", w.path, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", capture.ErrIO, errors.Join(errs...))
	}
	return nil
}

// abort closes and removes a container that never finished its header
func (w *containerWriter) abort() {
	if w.zw != nil {
		w.zw.Close()
	}
	w.file.Close()
	os.Remove(w.path)
}

// Container reads back a recorded file
type Container struct {
	Metadata   Metadata
	Version    byte
	Compressed bool

	file *os.File
	zr   *zstd.Decoder
	dec  *msgpack.Decoder
}

// OpenContainer opens a recording and reads its metadata
func OpenContainer(path string) (*Container, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	r := bufio.NewReader(file)
	header := make([]byte, len(containerMagic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read container header: %w: %w", capture.ErrEncoding, err)
	}
	if !bytes.Equal(header[:len(containerMagic)], containerMagic) {
		file.Close()
		return nil, fmt.Errorf("%s is not a capture container: %w", path, capture.ErrEncoding)
	}

	c := &Container{
		Version:    header[len(containerMagic)],
		Compressed: header[len(containerMagic)+1]&flagCompressed != 0,
		file:       file,
	}
	if c.Version != containerVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported container version %d: %w", c.Version, capture.ErrEncoding)
	}

	var body io.Reader = r
	if c.Compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w: %w", capture.ErrEncoding, err)
		}
		c.zr = zr
		body = zr
	}
	c.dec = msgpack.NewDecoder(body)

	if err := c.dec.Decode(&c.Metadata); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read container metadata: %w: %w", capture.ErrEncoding, err)
	}
	return c, nil
}

// Next returns the next sample, or io.EOF after the last one
func (c *Container) Next() (*capture.SampleBuffer, error) {
	var rec Record
	if err := c.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode record: %w: %w", capture.ErrEncoding, err)
	}
	return rec.Sample(), nil
}

// Close releases the file
func (c *Container) Close() error {
	if c.zr != nil {
		c.zr.Close()
	}
	return c.file.Close()
}
