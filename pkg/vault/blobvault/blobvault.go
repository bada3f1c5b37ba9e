package blobvault

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/tbumi/glacier-upload/internal/clock"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Object metadata keys stored on each part.
const (
	metaRange    = "range"
	metaTreeHash = "treehash"
)

// Options configures a Service.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// RetrievalDelay is how long a job stays in progress before its
	// output becomes available.
	RetrievalDelay time.Duration

	// PageSize limits the entries returned by one list call.
	PageSize int
}

// Option is a functional option for configuring a Service.
type Option func(*Options)

// WithClock sets the clock used for timestamps and job readiness.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithRetrievalDelay sets how long jobs take to complete.
func WithRetrievalDelay(d time.Duration) Option {
	return func(o *Options) {
		o.RetrievalDelay = d
	}
}

// WithPageSize sets the page size of ListParts and ListUploads.
func WithPageSize(n int) Option {
	return func(o *Options) {
		o.PageSize = n
	}
}

// Service implements vault.Client on top of a blob bucket. Each vault is
// a key prefix in the bucket.
type Service struct {
	bucket *blob.Bucket
	opts   Options
	logger *slog.Logger
}

var _ vault.Client = (*Service)(nil)

// New returns a Service storing vaults in bucket. The caller keeps
// ownership of bucket.
func New(bucket *blob.Bucket, options ...Option) *Service {
	opts := Options{
		Clock:    clock.Real(),
		PageSize: 1000,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{bucket: bucket, opts: opts, logger: logger}
}

// Open opens the bucket at bucketURL (mem://, file://, s3://, gs://) and
// returns a Service over it together with the bucket, which the caller
// must close.
func Open(ctx context.Context, bucketURL string, options ...Option) (*Service, *blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("blobvault: open bucket: %w", err)
	}
	return New(bucket, options...), bucket, nil
}

// session is the persisted record of an in-progress upload.
type session struct {
	UploadID    string    `json:"upload_id"`
	Description string    `json:"description,omitempty"`
	PartSize    int64     `json:"part_size"`
	CreatedAt   time.Time `json:"created_at"`
}

func uploadsPrefix(vaultName string) string {
	return path.Join(vaultName, "uploads") + "/"
}

func uploadPrefix(vaultName, uploadID string) string {
	return uploadsPrefix(vaultName) + uploadID + "/"
}

func sessionKey(vaultName, uploadID string) string {
	return uploadPrefix(vaultName, uploadID) + "session.json"
}

func partObject(index int64) string {
	return fmt.Sprintf("part-%06d", index)
}

func checkName(field, name string) error {
	if name == "" {
		return &vault.ValidationError{Field: field, Reason: "required"}
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return &vault.ValidationError{Field: field, Reason: fmt.Sprintf("invalid name %q", name)}
	}
	return nil
}

// CreateUpload implements vault.Client.
func (s *Service) CreateUpload(ctx context.Context, vaultName string, partSize int64, description string) (string, error) {
	if err := checkName("vault", vaultName); err != nil {
		return "", err
	}
	if partSize < treehash.LeafSize || partSize&(partSize-1) != 0 {
		return "", &vault.ValidationError{Field: "part_size", Reason: fmt.Sprintf("%d is not a power of two of at least 1 MiB", partSize)}
	}

	rec := session{
		UploadID:    uuid.NewString(),
		Description: description,
		PartSize:    partSize,
		CreatedAt:   s.opts.Clock.Now().UTC(),
	}
	if err := s.writeJSON(ctx, sessionKey(vaultName, rec.UploadID), rec); err != nil {
		return "", fmt.Errorf("blobvault: write session: %w", err)
	}
	s.logger.Debug("upload created", "vault", vaultName, "upload_id", rec.UploadID, "part_size", partSize)
	return rec.UploadID, nil
}

func (s *Service) loadSession(ctx context.Context, vaultName, uploadID string) (*session, error) {
	if err := checkName("upload_id", uploadID); err != nil {
		return nil, err
	}
	var rec session
	if err := s.readJSON(ctx, sessionKey(vaultName, uploadID), &rec); err != nil {
		return nil, fmt.Errorf("blobvault: upload %s: %w", uploadID, err)
	}
	return &rec, nil
}

// UploadPart implements vault.Client. The part is committed only if the
// received bytes match hash.
func (s *Service) UploadPart(ctx context.Context, vaultName, uploadID string, r vault.ByteRange, body io.Reader, hash treehash.Hash) (treehash.Hash, error) {
	rec, err := s.loadSession(ctx, vaultName, uploadID)
	if err != nil {
		return treehash.Hash{}, err
	}

	length := r.Len()
	if r.Start < 0 || r.Start%rec.PartSize != 0 || length < 0 || length > rec.PartSize || (length == 0 && r.Start != 0) {
		return treehash.Hash{}, &vault.ValidationError{
			Field:  "range",
			Reason: fmt.Sprintf("%s does not fit part size %d", r, rec.PartSize),
		}
	}

	index := r.Start / rec.PartSize
	key := uploadPrefix(vaultName, uploadID) + partObject(index)

	// Cancelling wctx before Close discards the write.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			metaRange:    r.String(),
			metaTreeHash: hash.String(),
		},
	})
	if err != nil {
		return treehash.Hash{}, vault.Transient(fmt.Errorf("blobvault: create part writer: %w", err))
	}

	digest := treehash.New()
	n, err := io.Copy(io.MultiWriter(w, digest), io.LimitReader(body, length+1))
	if err != nil {
		cancel()
		w.Close()
		return treehash.Hash{}, vault.Transient(fmt.Errorf("blobvault: write part %d: %w", index, err))
	}
	if n != length {
		cancel()
		w.Close()
		return treehash.Hash{}, &vault.ValidationError{
			Field:  "body",
			Reason: fmt.Sprintf("got %d bytes for range %s", n, r),
		}
	}

	actual := digest.Sum()
	if actual != hash {
		cancel()
		w.Close()
		return treehash.Hash{}, &vault.IntegrityError{
			UploadID:  uploadID,
			PartIndex: int(index),
			Expected:  hash,
			Actual:    actual,
			Message:   "part body does not match its tree hash",
		}
	}

	if err := w.Close(); err != nil {
		return treehash.Hash{}, vault.Transient(fmt.Errorf("blobvault: commit part %d: %w", index, err))
	}
	s.logger.Debug("part stored", "upload_id", uploadID, "part", index, "range", r.String())
	return actual, nil
}

// storedPart is a part object as found in the bucket.
type storedPart struct {
	Object string
	Range  vault.ByteRange
	Hash   treehash.Hash
}

func (s *Service) partFromObject(ctx context.Context, prefix, key string) (storedPart, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return storedPart{}, err
	}
	r, err := vault.ParseByteRange(attrs.Metadata[metaRange])
	if err != nil {
		return storedPart{}, fmt.Errorf("blobvault: part %s: %w", key, err)
	}
	h, err := treehash.Parse(attrs.Metadata[metaTreeHash])
	if err != nil {
		return storedPart{}, fmt.Errorf("blobvault: part %s: %w", key, err)
	}
	return storedPart{Object: strings.TrimPrefix(key, prefix), Range: r, Hash: h}, nil
}

// ListParts implements vault.Client.
func (s *Service) ListParts(ctx context.Context, vaultName, uploadID, marker string) (*vault.PartList, error) {
	rec, err := s.loadSession(ctx, vaultName, uploadID)
	if err != nil {
		return nil, err
	}

	prefix := uploadPrefix(vaultName, uploadID)
	objs, next, err := s.listPage(ctx, marker, &blob.ListOptions{Prefix: prefix + "part-"})
	if err != nil {
		return nil, err
	}

	list := &vault.PartList{
		UploadID:    rec.UploadID,
		Description: rec.Description,
		PartSize:    rec.PartSize,
		CreatedAt:   rec.CreatedAt,
		Marker:      next,
	}
	for _, obj := range objs {
		p, err := s.partFromObject(ctx, prefix, obj.Key)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, err
		}
		list.Parts = append(list.Parts, vault.PartInfo{Range: p.Range, Hash: p.Hash})
	}
	return list, nil
}

// allParts returns every stored part of an upload sorted by offset.
func (s *Service) allParts(ctx context.Context, vaultName, uploadID string) ([]storedPart, error) {
	prefix := uploadPrefix(vaultName, uploadID)
	var parts []storedPart
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix + "part-"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, vault.Transient(fmt.Errorf("blobvault: list parts: %w", err))
		}
		p, err := s.partFromObject(ctx, prefix, obj.Key)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	slices.SortFunc(parts, func(a, b storedPart) int {
		return cmp.Compare(a.Range.Start, b.Range.Start)
	})
	return parts, nil
}

// CompleteUpload implements vault.Client. It checks that the parts
// cover [0, size) without gaps and that their combined tree hash equals
// hash, then records the archive manifest and closes the session.
func (s *Service) CompleteUpload(ctx context.Context, vaultName, uploadID string, size int64, hash treehash.Hash) (*vault.ArchiveResult, error) {
	rec, err := s.loadSession(ctx, vaultName, uploadID)
	if err != nil {
		return nil, err
	}
	parts, err := s.allParts(ctx, vaultName, uploadID)
	if err != nil {
		return nil, err
	}

	var offset int64
	hashes := make([]treehash.Hash, 0, len(parts))
	for i, p := range parts {
		if p.Range.Start != offset {
			return nil, &vault.ValidationError{
				Field:  "parts",
				Reason: fmt.Sprintf("expected a part at offset %d, found %s", offset, p.Range),
			}
		}
		if i < len(parts)-1 && p.Range.Len() != rec.PartSize {
			return nil, &vault.ValidationError{
				Field:  "parts",
				Reason: fmt.Sprintf("part %s is shorter than the part size", p.Range),
			}
		}
		offset += p.Range.Len()
		hashes = append(hashes, p.Hash)
	}
	if offset != size {
		return nil, &vault.ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("parts cover %d bytes, archive size is %d", offset, size),
		}
	}

	actual := treehash.Combine(hashes)
	if actual != hash {
		return nil, &vault.IntegrityError{
			UploadID:  uploadID,
			PartIndex: -1,
			Expected:  hash,
			Actual:    actual,
			Message:   "archive tree hash does not match its parts",
		}
	}

	m := manifest{
		ArchiveID:   uuid.NewString(),
		Description: rec.Description,
		Size:        size,
		PartSize:    rec.PartSize,
		TreeHash:    actual,
		PartsPrefix: uploadPrefix(vaultName, uploadID),
		CreatedAt:   s.opts.Clock.Now().UTC(),
	}
	for _, p := range parts {
		m.Parts = append(m.Parts, partInfo{
			Object: p.Object,
			Offset: p.Range.Start,
			Size:   p.Range.Len(),
			Hash:   p.Hash,
		})
	}
	if err := s.writeJSON(ctx, manifestKey(vaultName, m.ArchiveID), m); err != nil {
		return nil, fmt.Errorf("blobvault: write manifest: %w", err)
	}
	if err := s.bucket.Delete(ctx, sessionKey(vaultName, uploadID)); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("blobvault: delete session: %w", err)
	}

	s.logger.Info("archive created",
		"vault", vaultName, "archive_id", m.ArchiveID, "size", size, "parts", len(parts))
	return &vault.ArchiveResult{
		ArchiveID: m.ArchiveID,
		Location:  "/" + path.Join(vaultName, "archives", m.ArchiveID),
		Hash:      actual,
	}, nil
}

// AbortUpload implements vault.Client.
func (s *Service) AbortUpload(ctx context.Context, vaultName, uploadID string) error {
	if _, err := s.loadSession(ctx, vaultName, uploadID); err != nil {
		return err
	}
	prefix := uploadPrefix(vaultName, uploadID)
	if err := s.deletePrefix(ctx, prefix+"part-"); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, sessionKey(vaultName, uploadID)); err != nil && !isNotExist(err) {
		return fmt.Errorf("blobvault: delete session: %w", err)
	}
	s.logger.Info("upload aborted", "vault", vaultName, "upload_id", uploadID)
	return nil
}

// ListUploads implements vault.Client. Sessions that were completed or
// aborted are not listed.
func (s *Service) ListUploads(ctx context.Context, vaultName, marker string) (*vault.UploadList, error) {
	if err := checkName("vault", vaultName); err != nil {
		return nil, err
	}
	objs, next, err := s.listPage(ctx, marker, &blob.ListOptions{
		Prefix:    uploadsPrefix(vaultName),
		Delimiter: "/",
	})
	if err != nil {
		return nil, err
	}

	list := &vault.UploadList{Marker: next}
	for _, obj := range objs {
		if !obj.IsDir {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, uploadsPrefix(vaultName)), "/")
		rec, err := s.loadSession(ctx, vaultName, id)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			return nil, err
		}
		list.Uploads = append(list.Uploads, vault.Upload{
			UploadID:    rec.UploadID,
			Description: rec.Description,
			PartSize:    rec.PartSize,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return list, nil
}

func (s *Service) listPage(ctx context.Context, marker string, opts *blob.ListOptions) ([]*blob.ListObject, string, error) {
	token := blob.FirstPageToken
	if marker != "" {
		var err error
		token, err = base64.RawURLEncoding.DecodeString(marker)
		if err != nil {
			return nil, "", &vault.ValidationError{Field: "marker", Reason: err.Error()}
		}
	}
	objs, next, err := s.bucket.ListPage(ctx, token, s.opts.PageSize, opts)
	if err != nil {
		return nil, "", vault.Transient(fmt.Errorf("blobvault: list: %w", err))
	}
	if len(next) == 0 {
		return objs, "", nil
	}
	return objs, base64.RawURLEncoding.EncodeToString(next), nil
}

func (s *Service) deletePrefix(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return vault.Transient(fmt.Errorf("blobvault: list %s: %w", prefix, err))
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return fmt.Errorf("blobvault: delete %s: %w", obj.Key, err)
		}
	}
}

func (s *Service) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"})
}

func (s *Service) readJSON(ctx context.Context, key string, v any) error {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return mapError(err)
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// mapError translates bucket errors into vault errors.
func mapError(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %v", vault.ErrNotFound, err)
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal:
		return vault.Transient(err)
	default:
		return err
	}
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
