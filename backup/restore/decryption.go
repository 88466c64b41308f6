package restore

import (
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// Decryption describes how to reverse a manifest's payload
// encryption before the zstd/tar layers are peeled off.
type Decryption struct {
	// Identity is an age X25519 identity string, required when Age
	// is true.
	Identity string
	Age      bool
}

// Wrap applies the decryption layer (if any) to r.
func (d Decryption) Wrap(r io.Reader) (io.Reader, error) {
	if !d.Age {
		return r, nil
	}
	identity, err := age.ParseX25519Identity(d.Identity)
	if err != nil {
		return nil, fmt.Errorf("restore: parsing age identity: %w", err)
	}
	dr, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("restore: starting age decryption: %w", err)
	}
	return dr, nil
}

// concatReader reads a sequence of files as one logical stream, the
// way the tar+zstd payload is reassembled out of its parts.
type concatReader struct {
	files []*os.File
	index int
}

func newConcatReader(paths []string) (*concatReader, error) {
	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, fmt.Errorf("restore: opening part %s: %w", p, err)
		}
		files = append(files, f)
	}
	return &concatReader{files: files}, nil
}

func (c *concatReader) Read(p []byte) (int, error) {
	for {
		if c.index >= len(c.files) {
			return 0, io.EOF
		}
		n, err := c.files[c.index].Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			c.index++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (c *concatReader) Close() error {
	var firstErr error
	for _, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
