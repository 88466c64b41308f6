package entries

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Reader is a lazy sequence over a zstd-compressed entries.jsonl.zst
// stream, consumed by the restore verifier, directory-children
// listing, and the cleanup cascade.
type Reader struct {
	dec     *zstd.Decoder
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewReader wraps src with a zstd decoder and a line scanner. If src
// also implements io.Closer, Close will close it after releasing the
// decoder.
func NewReader(src io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("entries: creating zstd reader: %w", err)
	}
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	closer, _ := src.(io.Closer)
	return &Reader{dec: dec, scanner: scanner, closer: closer}, nil
}

// Next advances to and decodes the next record. Returns io.EOF when
// the stream is exhausted.
func (r *Reader) Next() (Record, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Record{}, fmt.Errorf("entries: scanning record: %w", err)
		}
		return Record{}, io.EOF
	}
	line := r.scanner.Bytes()
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("entries: decoding record: %w", err)
	}
	return rec, nil
}

// All drains the reader into a slice, deduplicating by path (first
// occurrence wins, per §3's "readers MUST tolerate duplicates"
// invariant).
func (r *Reader) All() ([]Record, error) {
	seen := make(map[string]bool)
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if seen[rec.Path] {
			continue
		}
		seen[rec.Path] = true
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the zstd decoder and, when the source supports it,
// closes the underlying reader.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
