package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Options configures an upload.
type Options struct {
	// PartSize must be a power of two between 1 MiB and 4 GiB. When
	// resuming, 0 adopts the session's recorded part size.
	PartSize int64

	// Workers is the number of parts uploaded concurrently.
	Workers int

	Description string

	// UploadID resumes an existing session instead of creating one.
	UploadID string

	Retry    retry.Policy
	Logger   *slog.Logger
	Progress Progress

	// OnSession is called once the session is ready, before any part is
	// sent, so callers can record the id for a later resume.
	OnSession func(*Session)
}

// Result describes a completed upload.
type Result struct {
	ArchiveID string
	Location  string
	Hash      treehash.Hash
	Size      int64
	Parts     int
	// Skipped counts parts confirmed by an earlier run.
	Skipped int
	Session *Session
}

// Coordinator drives uploads through the session lifecycle:
// init, session ready, dispatching, finalizing, then completed or
// aborted.
type Coordinator struct {
	client vault.Client
	vault  string
	opts   Options
	logger *slog.Logger
	pool   *WorkerPool
}

// NewCoordinator validates opts and returns a coordinator for uploads to
// vaultName. No remote call is made.
func NewCoordinator(client vault.Client, vaultName string, opts Options) (*Coordinator, error) {
	if vaultName == "" {
		return nil, &vault.ValidationError{Field: "vault", Reason: "required"}
	}
	if opts.Workers <= 0 {
		return nil, &vault.ValidationError{
			Field:  "workers",
			Reason: fmt.Sprintf("must be positive, got %d", opts.Workers),
		}
	}
	if opts.PartSize != 0 || opts.UploadID == "" {
		if err := ValidatePartSize(opts.PartSize); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("vault", vaultName)

	return &Coordinator{
		client: client,
		vault:  vaultName,
		opts:   opts,
		logger: logger,
		pool: &WorkerPool{
			Workers:  opts.Workers,
			Retry:    opts.Retry,
			Logger:   logger,
			Progress: opts.Progress,
		},
	}, nil
}

// Upload is shorthand for NewCoordinator followed by Upload.
func Upload(ctx context.Context, client vault.Client, vaultName string, archive *Archive, opts Options) (*Result, error) {
	c, err := NewCoordinator(client, vaultName, opts)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, archive)
}

// Upload sends archive to the vault and returns the archive id.
//
// A part that fails permanently, or cancellation of ctx, leaves the
// session open on the service and returns *vault.DispatchError carrying
// its id. A tree hash mismatch at finalize returns *vault.IntegrityError,
// also with the session left open.
func (c *Coordinator) Upload(ctx context.Context, archive *Archive) (*Result, error) {
	session, err := c.openSession(ctx, archive)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("upload_id", session.ID)

	if c.opts.OnSession != nil {
		c.opts.OnSession(session)
	}

	chunker, err := NewChunker(archive, session.PartSize)
	if err != nil {
		session.setState(StateAborted)
		return nil, err
	}

	skipped := session.ConfirmedCount()
	if skipped > 0 {
		logger.Info("resuming upload", "confirmed_parts", skipped)
	}

	session.setState(StateDispatching)
	up := c.partUploader(session.ID)
	err = c.pool.Run(ctx, up, chunker, session.IsConfirmed, session.confirm)
	if err != nil {
		session.setState(StateAborted)
		return nil, c.dispatchError(session, chunker, archive, err)
	}

	total := chunker.Count()
	size := chunker.Size()
	if extra := session.beyond(total); len(extra) > 0 {
		session.setState(StateAborted)
		return nil, &vault.ResumeMismatchError{
			UploadID: session.ID,
			Reason:   fmt.Sprintf("session has parts %v beyond the %d parts of the archive", extra, total),
		}
	}

	session.setState(StateFinalizing)
	root, err := session.root(total)
	if err != nil {
		session.setState(StateAborted)
		return nil, fmt.Errorf("upload %s: %w", session.ID, err)
	}
	logger.Debug("finalizing upload", "parts", total, "size", size, "hash", root)

	var res *vault.ArchiveResult
	err = c.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		res, err = c.client.CompleteUpload(ctx, c.vault, session.ID, size, root)
		if err != nil && vault.IsTransient(err) {
			logger.Warn("complete upload failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		session.setState(StateAborted)
		var integrity *vault.IntegrityError
		if errors.As(err, &integrity) {
			integrity.UploadID = session.ID
			integrity.PartIndex = -1
			if integrity.Expected.IsZero() {
				integrity.Expected = root
			}
			return nil, integrity
		}
		return nil, fmt.Errorf("complete upload %s: %w", session.ID, err)
	}

	if res.Hash.IsZero() {
		res.Hash = root
	}
	session.complete(res)
	logger.Info("upload complete", "archive_id", res.ArchiveID, "size", size, "parts", total)

	return &Result{
		ArchiveID: res.ArchiveID,
		Location:  res.Location,
		Hash:      res.Hash,
		Size:      size,
		Parts:     total,
		Skipped:   skipped,
		Session:   session,
	}, nil
}

func (c *Coordinator) openSession(ctx context.Context, archive *Archive) (*Session, error) {
	size, known := archive.Size()
	if !known {
		size = -1
	}

	if c.opts.UploadID != "" {
		s, err := Resume(ctx, c.client, c.vault, c.opts.UploadID, c.opts.PartSize, size)
		if err != nil {
			return nil, err
		}
		if c.opts.Description != "" && s.Description == "" {
			s.Description = c.opts.Description
		}
		return s, nil
	}

	var id string
	err := c.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		id, err = c.client.CreateUpload(ctx, c.vault, c.opts.PartSize, c.opts.Description)
		if err != nil && vault.IsTransient(err) {
			c.logger.Warn("create upload failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	c.logger.Info("created upload", "upload_id", id, "part_size", c.opts.PartSize)
	return newSession(id, c.vault, c.opts.Description, c.opts.PartSize), nil
}

func (c *Coordinator) partUploader(uploadID string) PartUploader {
	return PartUploaderFunc(func(ctx context.Context, part Part, data []byte) (treehash.Hash, error) {
		return c.client.UploadPart(ctx, c.vault, uploadID, part.Range(), bytes.NewReader(data), part.Hash)
	})
}

func (c *Coordinator) dispatchError(s *Session, chunker *Chunker, archive *Archive, err error) error {
	total := chunker.Count()
	if size, ok := archive.Size(); ok {
		total = Plan{PartSize: s.PartSize, Size: size}.Count()
	}

	de := &vault.DispatchError{
		UploadID:  s.ID,
		PartIndex: -1,
		Confirmed: s.ConfirmedCount(),
		Total:     total,
		Err:       err,
	}
	var pe *PartError
	if errors.As(err, &pe) {
		de.PartIndex = pe.Part.Index
		de.Err = pe.Err
	}
	c.logger.Error("upload stopped",
		"upload_id", s.ID, "confirmed", de.Confirmed, "total", de.Total, "error", de.Err)
	return de
}
