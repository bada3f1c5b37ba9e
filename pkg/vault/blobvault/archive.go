package blobvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"gocloud.dev/blob"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// manifest describes a completed archive. Its parts stay where they were
// uploaded, under PartsPrefix.
type manifest struct {
	ArchiveID   string        `json:"archive_id"`
	Description string        `json:"description,omitempty"`
	Size        int64         `json:"size"`
	PartSize    int64         `json:"part_size"`
	TreeHash    treehash.Hash `json:"tree_hash"`
	PartsPrefix string        `json:"parts_prefix"`
	Parts       []partInfo    `json:"parts"`
	CreatedAt   time.Time     `json:"created_at"`
}

// partInfo describes one part of an archive. The index is implicit from
// the array position.
type partInfo struct {
	Object string        `json:"object"`
	Offset int64         `json:"offset"`
	Size   int64         `json:"size"`
	Hash   treehash.Hash `json:"tree_hash"`
}

func archivesPrefix(vaultName string) string {
	return path.Join(vaultName, "archives") + "/"
}

func manifestKey(vaultName, archiveID string) string {
	return archivesPrefix(vaultName) + archiveID + ".manifest.json"
}

func (s *Service) loadManifest(ctx context.Context, vaultName, archiveID string) (*manifest, error) {
	if err := checkName("archive_id", archiveID); err != nil {
		return nil, err
	}
	var m manifest
	if err := s.readJSON(ctx, manifestKey(vaultName, archiveID), &m); err != nil {
		return nil, fmt.Errorf("blobvault: archive %s: %w", archiveID, err)
	}
	return &m, nil
}

// DeleteArchive implements vault.Client. It removes every part listed in
// the manifest, then the manifest itself.
func (s *Service) DeleteArchive(ctx context.Context, vaultName, archiveID string) error {
	m, err := s.loadManifest(ctx, vaultName, archiveID)
	if err != nil {
		return err
	}

	for _, p := range m.Parts {
		key := m.PartsPrefix + p.Object
		if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return fmt.Errorf("blobvault: delete part %s: %w", key, err)
		}
	}
	if err := s.bucket.Delete(ctx, manifestKey(vaultName, archiveID)); err != nil {
		return fmt.Errorf("blobvault: delete manifest: %w", mapError(err))
	}

	s.logger.Info("archive deleted", "vault", vaultName, "archive_id", archiveID)
	return nil
}

// listManifests returns every archive manifest in a vault.
func (s *Service) listManifests(ctx context.Context, vaultName string) ([]*manifest, error) {
	var out []*manifest
	iter := s.bucket.List(&blob.ListOptions{Prefix: archivesPrefix(vaultName)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, vault.Transient(fmt.Errorf("blobvault: list archives: %w", err))
		}
		var m manifest
		if err := s.readJSON(ctx, obj.Key, &m); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &m)
	}
}

// archiveReader streams a byte range of an archive, opening one part at
// a time.
type archiveReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	m      *manifest

	pos  int64 // next archive offset to read
	end  int64 // one past the last byte to read
	part int
	cur  io.ReadCloser
}

func newArchiveReader(ctx context.Context, bucket *blob.Bucket, m *manifest, r vault.ByteRange) *archiveReader {
	ar := &archiveReader{
		ctx:    ctx,
		bucket: bucket,
		m:      m,
		pos:    r.Start,
		end:    r.End + 1,
	}
	for ar.part < len(m.Parts) && m.Parts[ar.part].Offset+m.Parts[ar.part].Size <= r.Start {
		ar.part++
	}
	return ar
}

func (r *archiveReader) Read(p []byte) (int, error) {
	for {
		if r.pos >= r.end {
			return 0, io.EOF
		}

		if r.cur == nil {
			if r.part >= len(r.m.Parts) {
				return 0, io.ErrUnexpectedEOF
			}
			part := r.m.Parts[r.part]
			offset := r.pos - part.Offset
			length := min(part.Size-offset, r.end-r.pos)
			rc, err := r.bucket.NewRangeReader(r.ctx, r.m.PartsPrefix+part.Object, offset, length, nil)
			if err != nil {
				return 0, fmt.Errorf("blobvault: open part %d: %w", r.part, mapError(err))
			}
			r.cur = rc
			r.part++
		}

		n, err := r.cur.Read(p)
		r.pos += int64(n)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *archiveReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// rangeHash computes the tree hash of a range of an archive. Ranges that
// start on a part boundary and span whole parts reuse the stored part
// hashes; other ranges are read back and hashed.
func (s *Service) rangeHash(ctx context.Context, m *manifest, r vault.ByteRange) (treehash.Hash, error) {
	if r.Start == 0 && r.End == m.Size-1 {
		return m.TreeHash, nil
	}

	var hashes []treehash.Hash
	for _, p := range m.Parts {
		if p.Offset+p.Size <= r.Start || p.Offset > r.End {
			continue
		}
		if p.Offset < r.Start || p.Offset+p.Size-1 > r.End {
			hashes = nil
			break
		}
		hashes = append(hashes, p.Hash)
	}
	if hashes != nil {
		return treehash.Combine(hashes), nil
	}

	rd := newArchiveReader(ctx, s.bucket, m, r)
	defer rd.Close()
	d := treehash.New()
	if _, err := io.Copy(d, rd); err != nil {
		return treehash.Hash{}, err
	}
	return d.Sum(), nil
}

// alignedRange reports whether the service provides a tree hash for r:
// it must start on a 1 MiB boundary and end on one or at the end of the
// archive.
func alignedRange(r vault.ByteRange, size int64) bool {
	if r.Start%treehash.LeafSize != 0 {
		return false
	}
	return (r.End+1)%treehash.LeafSize == 0 || r.End == size-1
}
