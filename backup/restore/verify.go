package restore

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/relaybackup/engine/backup/entries"
)

const maxVerifySamples = 10

// VerifyResult reports how many entries-index file records matched
// what actually landed on disk after a restore.
type VerifyResult struct {
	OK           bool
	FilesTotal   int
	FilesOK      int
	FilesFailed  int
	SampleErrors []string
}

// VerifyRestored recomputes blake3 hashes for every file record in
// the entries index and compares them against what was written under
// destDir, reusing the entries.Reader this module already depends on
// rather than re-deriving zstd/JSON decoding the way the donor
// implementation's verify_restored does inline.
func VerifyRestored(idx *entries.Reader, destDir string, selection *NormalizedSelection) (*VerifyResult, error) {
	res := &VerifyResult{OK: true}
	expected := 0
	seen := make(map[string]bool)

	for {
		rec, err := idx.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Kind != entries.KindFile {
			continue
		}
		if !selection.Matches(rec.Path) {
			continue
		}
		if seen[rec.Path] {
			continue
		}
		seen[rec.Path] = true
		expected++

		ok, sample := verifyOneFile(rec, destDir)
		res.FilesTotal++
		if ok {
			res.FilesOK++
			continue
		}
		res.FilesFailed++
		if len(res.SampleErrors) < maxVerifySamples {
			res.SampleErrors = append(res.SampleErrors, sample)
		}
	}

	res.OK = res.FilesFailed == 0 && res.FilesTotal == expected
	return res, nil
}

func verifyOneFile(rec entries.Record, destDir string) (bool, string) {
	path := filepath.Join(destDir, filepath.FromSlash(rec.Path))
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Sprintf("%s: %v", rec.Path, err)
	}
	if info.Size() != rec.Size {
		return false, fmt.Sprintf("%s: size mismatch: want %d got %d", rec.Path, rec.Size, info.Size())
	}
	if rec.Hash == "" {
		return true, ""
	}
	sum, err := hashFileBlake3(path)
	if err != nil {
		return false, fmt.Sprintf("%s: %v", rec.Path, err)
	}
	if sum != rec.Hash {
		return false, fmt.Sprintf("%s: hash mismatch: want %s got %s", rec.Path, rec.Hash, sum)
	}
	return true, ""
}

func hashFileBlake3(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
