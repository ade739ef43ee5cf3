package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// Writer receives trace events. A nil Writer in the dispatcher disables tracing.
type Writer interface {
	WriteEvent(e *Event) error
	Close() error
}

// JSONLWriter writes Events as JSON Lines (one JSON object per line).
// It is safe for concurrent use by multiple goroutines.
type JSONLWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // only set when we own the underlying writer
	closed bool
}

// ErrWriterClosed is returned when WriteEvent is called after Close.
var ErrWriterClosed = errors.New("jsonl trace writer is closed")

// NewJSONLWriter wraps w. Close flushes but does not close w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc, buf: buf}
}

// NewJSONLWriterFile creates (or truncates) path and returns a writer that owns it.
func NewJSONLWriterFile(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewJSONLWriter(f)
	w.closer = f
	return w, nil
}

func (w *JSONLWriter) WriteEvent(e *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(e)
}

// Flush forces buffered data to the underlying writer.
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes, and closes the file if the writer owns it.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
