package entries

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer streams Records as zstd-compressed newline-delimited JSON.
// Records for a run are written in walk order; duplicates are legal
// on write (readers tolerate them by taking the first occurrence).
type Writer struct {
	enc   *zstd.Encoder
	count int64
}

// NewWriter wraps dst with a zstd encoder. Callers must call Close to
// flush the stream.
func NewWriter(dst io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("entries: creating zstd writer: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Append validates and writes one record as a JSON line.
func (w *Writer) Append(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("entries: marshaling record %q: %w", r.Path, err)
	}
	data = append(data, '\n')
	if _, err := w.enc.Write(data); err != nil {
		return fmt.Errorf("entries: writing record %q: %w", r.Path, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far, for the
// manifest's entry_index.count field.
func (w *Writer) Count() int64 { return w.count }

// Close flushes and closes the underlying zstd encoder.
func (w *Writer) Close() error {
	return w.enc.Close()
}
