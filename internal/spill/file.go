// Package spill implements the scratch file that sorted runs are spilled to.
//
// A File is append-only: callers open a SegmentWriter, stream bytes into it
// and close it to obtain the Segment (byte range) that was written. Segments
// are independently readable through Open, so many runs can be read back in
// parallel cursors while new segments are appended to a different File.
// With a compressing codec every segment is a self-contained stream.
//
// Nothing written to a File outlives it: Close removes the file.
package spill

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

const writeBufferSize = 64 * 1024

// ErrSegmentOpen is returned when a second segment is started before the
// previous one was closed.
var ErrSegmentOpen = errors.New("spill: segment already open")

// ErrClosed is returned by operations on a closed File.
var ErrClosed = errors.New("spill: file closed")

// Segment is a byte range of a File holding one encoded stream.
type Segment struct {
	Offset int64
	Length int64
}

// End returns the offset just past the segment.
func (s Segment) End() int64 {
	return s.Offset + s.Length
}

// File is an append-only scratch file made of segments.
type File struct {
	f     *os.File
	path  string
	codec Codec
	enc   encoder

	off    int64 // current write position
	active bool  // a SegmentWriter is open
	closed bool

	bytesWritten int64 // encoded bytes over the file's lifetime
	rawWritten   int64 // bytes before encoding
}

// Create creates a new scratch file in dir (os.TempDir when empty).
func Create(dir, prefix string, codec Codec) (*File, error) {
	enc, err := newEncoder(codec)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, prefix+"-*.spill")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	return &File{
		f:     f,
		path:  f.Name(),
		codec: codec,
		enc:   enc,
	}, nil
}

// Path returns the file's location on disk.
func (f *File) Path() string { return f.path }

// Codec returns the codec segments are written with.
func (f *File) Codec() Codec { return f.codec }

// Tell returns the current write position.
func (f *File) Tell() int64 { return f.off }

// BytesWritten returns the encoded and raw byte totals written since the
// file was created.
func (f *File) BytesWritten() (encoded, raw int64) {
	return f.bytesWritten, f.rawWritten
}

// NewSegment starts a new segment at the current write position.
func (f *File) NewSegment() (*SegmentWriter, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if f.active {
		return nil, ErrSegmentOpen
	}
	f.active = true
	w := &SegmentWriter{file: f, start: f.off}
	w.buf = bufio.NewWriterSize(appender{f}, writeBufferSize)
	w.top = w.buf
	if f.enc != nil {
		f.enc.Reset(w.buf)
		w.top = f.enc
	}
	return w, nil
}

// Open returns a reader over the decoded bytes of seg.
func (f *File) Open(seg Segment) (io.ReadCloser, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if seg.Offset < 0 || seg.End() > f.off {
		return nil, fmt.Errorf("spill: segment [%d,%d) outside file of %d bytes",
			seg.Offset, seg.End(), f.off)
	}
	return newDecoder(f.codec, io.NewSectionReader(f.f, seg.Offset, seg.Length))
}

// Truncate discards every segment and rewinds the write position.
func (f *File) Truncate() error {
	if f.closed {
		return ErrClosed
	}
	if f.active {
		return ErrSegmentOpen
	}
	if err := f.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate spill file %s: %w", f.path, err)
	}
	f.off = 0
	return nil
}

// Close closes and removes the file.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	closeErr := f.f.Close()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spill file %s: %w", f.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("close spill file %s: %w", f.path, closeErr)
	}
	return nil
}

// appender writes at the file's write position with WriteAt so that
// concurrent section readers never observe a moved file offset.
type appender struct {
	f *File
}

func (a appender) Write(p []byte) (int, error) {
	n, err := a.f.f.WriteAt(p, a.f.off)
	a.f.off += int64(n)
	a.f.bytesWritten += int64(n)
	return n, err
}

// SegmentWriter streams one segment into a File.
type SegmentWriter struct {
	file  *File
	start int64
	buf   *bufio.Writer
	top   io.Writer
	raw   int64
	done  bool
}

// Write appends p to the segment.
func (w *SegmentWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrClosed
	}
	n, err := w.top.Write(p)
	w.raw += int64(n)
	return n, err
}

// Size returns the number of bytes written so far, before encoding.
func (w *SegmentWriter) Size() int64 { return w.raw }

// Close finishes the segment and returns its byte range.
func (w *SegmentWriter) Close() (Segment, error) {
	if w.done {
		return Segment{}, ErrClosed
	}
	w.done = true
	w.file.active = false
	w.file.rawWritten += w.raw
	if w.file.enc != nil {
		if err := w.file.enc.Close(); err != nil {
			return Segment{}, fmt.Errorf("finish %v segment: %w", w.file.codec, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return Segment{}, fmt.Errorf("flush segment: %w", err)
	}
	return Segment{Offset: w.start, Length: w.file.off - w.start}, nil
}
