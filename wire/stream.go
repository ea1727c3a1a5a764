package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/util/gpool"
)

// MaxFrameSize is the largest frame that a Reader accepts and a Writer writes.
const MaxFrameSize = 1 << 31 // 2 GiB

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame length is greater than 2 GiB")

// Writer writes length-prefixed messages to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	mut      sync.Mutex
	dest     io.Writer
	buf      []byte
	maxFrame int64
}

// NewWriter returns a new Writer. dest is the io.Writer that the Writer should write to (the stream).
func NewWriter(dest io.Writer) *Writer {
	return &Writer{dest: dest, maxFrame: MaxFrameSize}
}

// Write writes a message to the stream.
func (w *Writer) Write(msg tomcast.Msg) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	// reserve room for the length prefix
	buf, err := Marshal(append(w.buf[:0], 0, 0, 0, 0), msg)
	if err != nil {
		return fmt.Errorf("wire: failed to marshal message: %w", err)
	}
	w.buf = buf
	if int64(len(buf)-4) > w.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf)-4)
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(buf)-4))

	if _, err := w.dest.Write(buf); err != nil {
		return fmt.Errorf("wire: failed to write message: %w", err)
	}
	return nil
}

// WriteRaw writes a frame holding b, which need not be an encoded message.
func (w *Writer) WriteRaw(b []byte) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if int64(len(b)) > w.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	var msgLen [4]byte
	binary.LittleEndian.PutUint32(msgLen[:], uint32(len(b)))
	if _, err := w.dest.Write(msgLen[:]); err != nil {
		return fmt.Errorf("wire: failed to write frame length: %w", err)
	}
	if _, err := w.dest.Write(b); err != nil {
		return fmt.Errorf("wire: failed to write frame: %w", err)
	}
	return nil
}

// Reader reads length-prefixed messages from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	mut sync.Mutex
	src io.Reader
}

// NewReader returns a new Reader. src is the io.Reader that the Reader should read from.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// ReadRaw reads one frame from the stream.
// It returns io.EOF if the stream ended cleanly before the frame.
func (r *Reader) ReadRaw() ([]byte, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.readFrame(nil)
}

// readFrame reads one frame into buf, growing it if needed.
func (r *Reader) readFrame(buf []byte) ([]byte, error) {
	var msgLenBuf [4]byte
	if _, err := io.ReadFull(r.src, msgLenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: failed to read frame length: %w", err)
	}

	msgLen := binary.LittleEndian.Uint32(msgLenBuf[:])
	if msgLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if uint32(cap(buf)) < msgLen {
		buf = make([]byte, msgLen)
	}
	buf = buf[:msgLen]
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return nil, fmt.Errorf("wire: failed to read frame: %w", err)
	}
	return buf, nil
}

// frames holds the buffers used by Read. Unmarshal copies what it keeps, so a buffer can be
// reused as soon as the message has been decoded.
var frames = gpool.New(func() *[]byte {
	b := make([]byte, 0, 1024)
	return &b
})

// Read reads one message from the stream.
func (r *Reader) Read() (tomcast.Msg, error) {
	buf := frames.Get()
	defer frames.Put(buf)

	r.mut.Lock()
	frame, err := r.readFrame((*buf)[:0])
	r.mut.Unlock()
	if err != nil {
		return nil, err
	}
	*buf = frame
	msg, err := Unmarshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to unmarshal message: %w", err)
	}
	return msg, nil
}
