// Package source turns the paths given to an upload into a single
// archive. One regular file is uploaded as is; several paths or a
// directory are consolidated into a zstd-compressed tar stream spooled
// to a temporary file, so the archive has a known size and can be read
// at any offset.
package source

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/tbumi/glacier-upload/pkg/multipart"
)

// Stdin is the path that selects standard input as a stream archive.
const Stdin = "-"

// OpenError reports a path that could not be read.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Options configures Open.
type Options struct {
	// TempDir holds the spool file of a consolidated archive.
	// Default: os.TempDir()
	TempDir string

	// Level is the zstd compression level of consolidated archives.
	// Default: zstd.SpeedDefault
	Level zstd.EncoderLevel

	// Stdin is read when the only path is "-". Default: os.Stdin
	Stdin io.Reader

	Logger *slog.Logger
}

// Source is an opened archive. Close releases the file and removes the
// spool file of a consolidated archive.
type Source struct {
	// Name describes the archive: the file name, or the consolidated
	// paths.
	Name string
	// Size is -1 for a stream.
	Size int64
	// Consolidated is set when the paths were packed into a tar stream.
	Consolidated bool

	file   *os.File
	stream io.Reader
	spool  string
}

// Archive returns the multipart archive reading from the source.
func (s *Source) Archive() *multipart.Archive {
	if s.stream != nil {
		return multipart.NewStreamArchive(s.Name, s.stream)
	}
	return multipart.NewArchive(s.Name, s.file, s.Size)
}

// Close closes the source.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	if s.spool != "" {
		if rerr := os.Remove(s.spool); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

// Open opens paths as a single archive.
func Open(ctx context.Context, paths []string, opts Options) (*Source, error) {
	if len(paths) == 0 {
		return nil, errors.New("source: no paths given")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if len(paths) == 1 && paths[0] == Stdin {
		in := opts.Stdin
		if in == nil {
			in = os.Stdin
		}
		return &Source{Name: "stdin", Size: -1, stream: in}, nil
	}

	if len(paths) == 1 {
		info, err := os.Stat(paths[0])
		if err != nil {
			return nil, &OpenError{Path: paths[0], Err: err}
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(paths[0])
			if err != nil {
				return nil, &OpenError{Path: paths[0], Err: err}
			}
			logger.Debug("opened single file", "path", paths[0], "size", info.Size())
			return &Source{Name: filepath.Base(paths[0]), Size: info.Size(), file: f}, nil
		}
		if !info.IsDir() {
			return nil, &OpenError{Path: paths[0], Err: fmt.Errorf("not a regular file or directory")}
		}
	}

	for _, p := range paths {
		if _, err := os.Lstat(p); err != nil {
			return nil, &OpenError{Path: p, Err: err}
		}
	}

	spool, err := os.CreateTemp(opts.TempDir, "glacier-*.tar.zst")
	if err != nil {
		return nil, fmt.Errorf("source: create spool file: %w", err)
	}
	src := &Source{
		Name:         consolidatedName(paths),
		Consolidated: true,
		file:         spool,
		spool:        spool.Name(),
	}

	if err := Consolidate(ctx, spool, paths, opts.Level); err != nil {
		src.Close()
		return nil, err
	}
	size, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("source: size spool file: %w", err)
	}
	src.Size = size
	logger.Info("consolidated paths", "paths", len(paths), "size", size)
	return src, nil
}

func consolidatedName(paths []string) string {
	if len(paths) == 1 {
		return filepath.Base(filepath.Clean(paths[0])) + ".tar.zst"
	}
	return "archive.tar.zst"
}

// Consolidate writes paths to w as a zstd-compressed tar stream.
// Directories are walked recursively. Entry names are the paths as given,
// with any leading "/" removed.
func Consolidate(ctx context.Context, w io.Writer, paths []string, level zstd.EncoderLevel) error {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("source: zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return &OpenError{Path: path, Err: err}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return addEntry(tw, path, d)
		})
		if err != nil {
			enc.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("source: finish tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("source: finish zstd: %w", err)
	}
	return nil
}

func addEntry(tw *tar.Writer, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return &OpenError{Path: path, Err: err}
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return &OpenError{Path: path, Err: err}
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		// Sockets and the like have no tar representation.
		return nil
	}
	hdr.Name = strings.TrimLeft(filepath.ToSlash(path), "/")
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("source: write header %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return &OpenError{Path: path, Err: err}
	}
	defer f.Close()
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return fmt.Errorf("source: copy %s: %w", path, err)
	}
	return nil
}
