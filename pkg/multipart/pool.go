package multipart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Progress receives part events from the worker pool. Implementations
// must be safe for concurrent use.
type Progress interface {
	PartStarted(index int, length int64)
	PartCompleted(index int, length int64)
	PartFailed(index int, err error)
}

type noProgress struct{}

func (noProgress) PartStarted(int, int64)   {}
func (noProgress) PartCompleted(int, int64) {}
func (noProgress) PartFailed(int, error)    {}

// PartUploader sends one part's bytes and returns the tree hash the
// service computed for them.
type PartUploader interface {
	UploadPart(ctx context.Context, part Part, data []byte) (treehash.Hash, error)
}

// PartUploaderFunc adapts a function to PartUploader.
type PartUploaderFunc func(ctx context.Context, part Part, data []byte) (treehash.Hash, error)

func (f PartUploaderFunc) UploadPart(ctx context.Context, part Part, data []byte) (treehash.Hash, error) {
	return f(ctx, part, data)
}

// WorkerPool uploads parts with at most Workers in flight. Each worker
// owns one part buffer; the chunker cannot read ahead of a free buffer,
// so memory is bounded by Workers part sizes.
type WorkerPool struct {
	Workers  int
	Retry    retry.Policy
	Logger   *slog.Logger
	Progress Progress

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// PartError reports the part that stopped a pool run.
type PartError struct {
	Part Part
	Err  error
}

func (e *PartError) Error() string {
	return e.Err.Error()
}

func (e *PartError) Unwrap() error {
	return e.Err
}

type task struct {
	part Part
	data []byte // nil when the worker reads the part itself
	buf  []byte
}

type outcome struct {
	part Part
	buf  []byte
	err  error
}

// Run uploads every part yielded by src for which skip returns false.
// confirm is called from the calling goroutine only, once per uploaded
// part, with Hash set.
//
// The first permanent part failure stops new parts from being handed
// out; parts already in flight run to completion and are confirmed.
// Cancelling ctx does the same: an upload request already sent is not
// interrupted, but no further attempt or backoff wait starts. Run returns
// a *PartError for a part failure, or ctx.Err().
func (p *WorkerPool) Run(ctx context.Context, up PartUploader, src *Chunker, skip func(index int) bool, confirm func(Part) error) error {
	workers := p.Workers
	if workers <= 0 {
		return &vault.ValidationError{Field: "workers", Reason: "must be positive"}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Requests already sent are not cut short by cancellation of ctx.
	workCtx := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }

	bufs := make(chan []byte, workers)
	for range workers {
		bufs <- nil
	}
	tasks := make(chan task)
	results := make(chan outcome, workers)

	var feedErr error
	go func() {
		defer close(tasks)
		for {
			var buf []byte
			select {
			case buf = <-bufs:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}

			part, data, err := src.Next(buf)
			if err == io.EOF {
				return
			}
			if err != nil {
				feedErr = &PartError{Part: Part{Index: src.Count()}, Err: err}
				halt()
				return
			}
			if data != nil {
				buf = data[:0]
			}
			if skip != nil && skip(part.Index) {
				bufs <- buf
				continue
			}

			select {
			case tasks <- task{part: part, data: data, buf: buf}:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				res := p.uploadOne(ctx, workCtx, logger, up, src, t)
				bufs <- res.buf
				results <- res
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
				// Stopped by cancellation, not a part failure.
				continue
			}
			if firstErr == nil {
				firstErr = &PartError{Part: res.part, Err: res.err}
				halt()
			}
			continue
		}
		if err := confirm(res.part); err != nil && firstErr == nil {
			firstErr = &PartError{Part: res.part, Err: err}
			halt()
		}
	}

	// The feeder has exited once results is closed.
	if firstErr != nil {
		return firstErr
	}
	if feedErr != nil {
		return feedErr
	}
	return ctx.Err()
}

func (p *WorkerPool) uploadOne(ctx, workCtx context.Context, logger *slog.Logger, up PartUploader, src *Chunker, t task) outcome {
	progress := p.Progress
	if progress == nil {
		progress = noProgress{}
	}

	part := t.part
	data := t.data
	buf := t.buf
	if data == nil {
		var err error
		data, err = src.ReadPart(part, buf)
		if err != nil {
			progress.PartFailed(part.Index, err)
			return outcome{part: part, buf: buf, err: err}
		}
		buf = data[:0]
	}
	part.Hash = treehash.Sum(data)

	n := p.inFlight.Add(1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	defer p.inFlight.Add(-1)

	progress.PartStarted(part.Index, part.Length)
	err := p.Retry.Do(ctx, func(_ context.Context, attempt int) error {
		got, err := up.UploadPart(workCtx, part, data)
		if err != nil {
			var integrity *vault.IntegrityError
			if errors.As(err, &integrity) {
				// The bytes were damaged in transit; send them again.
				err = vault.Transient(err)
			}
			logger.Warn("part upload failed",
				"part", part.Index, "attempt", attempt, "error", err)
			return err
		}
		if got != part.Hash {
			err := vault.Transient(&vault.IntegrityError{
				PartIndex: part.Index,
				Expected:  part.Hash,
				Actual:    got,
				Message:   "service acknowledged a different tree hash",
			})
			logger.Warn("part hash mismatch",
				"part", part.Index, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		progress.PartFailed(part.Index, err)
		return outcome{part: part, buf: buf, err: err}
	}

	logger.Debug("part confirmed", "part", part.Index, "bytes", part.Length, "hash", part.Hash)
	progress.PartCompleted(part.Index, part.Length)
	return outcome{part: part, buf: buf}
}

// MaxInFlight returns the highest number of concurrent part uploads
// observed by the pool.
func (p *WorkerPool) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}
