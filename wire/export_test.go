package wire

import "io"

// NewLimitedWriter returns a Writer that rejects frames larger than maxFrame bytes.
func NewLimitedWriter(dest io.Writer, maxFrame int64) *Writer {
	w := NewWriter(dest)
	w.maxFrame = maxFrame
	return w
}
