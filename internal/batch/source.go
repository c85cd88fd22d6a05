package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar"
)

// Glob returns a job for every regular file under dir matching pattern,
// ordered by path. The pattern may use ** to cross directories.
func Glob(dir, pattern string) ([]Job, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat batch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("batch source %s is not a directory", dir)
	}

	matches, err := doublestar.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)

	jobs := make([]Job, 0, len(matches))
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		jobs = append(jobs, Job{SourcePath: path, Fingerprint: Fingerprint(path, fi)})
	}
	return jobs, nil
}

// Fingerprint derives a job's identity from its absolute path, size and
// modification time. Editing a file changes its fingerprint.
func Fingerprint(path string, info fs.FileInfo) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
