package retrieval

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// ProgressSuffix is appended to an output path to name its progress file.
const ProgressSuffix = ".glacier-progress"

// ProgressFile records the chunks of a download that have been written,
// one line per chunk: "<index> <start>-<end> <treehash>". Lines are
// appended and synced as chunks complete so an interrupted download can
// pick up where it stopped.
type ProgressFile struct {
	path string
	f    *os.File
}

// OpenProgress opens (creating if needed) the progress file for output.
func OpenProgress(output string) (*ProgressFile, error) {
	path := output + ProgressSuffix
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress file: %w", err)
	}
	return &ProgressFile{path: path, f: f}, nil
}

// Path returns the location of the progress file.
func (p *ProgressFile) Path() string { return p.path }

// Load returns the recorded chunks that match the given chunk plan.
// Entries for other ranges, from a run with a different chunk size, and
// malformed lines are ignored.
func (p *ProgressFile) Load(size, chunkSize int64) (map[int]treehash.Hash, error) {
	if _, err := p.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	ranges := Chunks(size, chunkSize)
	done := make(map[int]treehash.Hash)

	sc := bufio.NewScanner(p.f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx < 0 || idx >= len(ranges) {
			continue
		}
		rng, err := vault.ParseByteRange(fields[1])
		if err != nil || rng != ranges[idx] {
			continue
		}
		h, err := treehash.Parse(fields[2])
		if err != nil {
			continue
		}
		done[idx] = h
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	return done, nil
}

// Record appends a completed chunk and syncs the file.
func (p *ProgressFile) Record(c Chunk) error {
	if _, err := fmt.Fprintf(p.f, "%d %s %s\n", c.Index, c.Range, c.Hash); err != nil {
		return err
	}
	return p.f.Sync()
}

// Close closes the file, keeping it on disk.
func (p *ProgressFile) Close() error {
	return p.f.Close()
}

// Remove closes and deletes the file once the download has finished.
func (p *ProgressFile) Remove() error {
	p.f.Close()
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
