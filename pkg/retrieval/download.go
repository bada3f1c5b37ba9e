package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// DefaultChunkSize is the size of each ranged request for job output.
const DefaultChunkSize = 32 << 20

// Progress receives chunk events from Download and Stream. Calls may
// arrive from several goroutines.
type Progress interface {
	ChunkStarted(index int, length int64)
	ChunkCompleted(index int, length int64)
	ChunkFailed(index int, err error)
}

type noProgress struct{}

func (noProgress) ChunkStarted(int, int64)   {}
func (noProgress) ChunkCompleted(int, int64) {}
func (noProgress) ChunkFailed(int, error)    {}

// Chunk is one ranged request of a job output.
type Chunk struct {
	Index int
	Range vault.ByteRange
	Hash  treehash.Hash
}

// DownloadOptions configures Download and Stream.
type DownloadOptions struct {
	// Workers is the number of parallel range requests. Stream always
	// uses one.
	// Default: 4
	Workers int

	// ChunkSize must be a power-of-two multiple of 1 MiB so chunk tree
	// hashes merge into the hash of the whole output.
	// Default: 32 MiB
	ChunkSize int64

	// Retry applies to each chunk. Tree hash mismatches are retried as
	// transient failures.
	Retry retry.Policy

	// MaxConsecutiveFailures is the number of consecutive chunk failures
	// after which Download gives up with *CircuitBreakerError. Chunks
	// that succeed reset the count.
	// Default: 3
	MaxConsecutiveFailures int

	// Done holds chunks written by an earlier attempt, keyed by index.
	// They are not fetched again; their hashes still count towards the
	// whole output check.
	Done map[int]treehash.Hash

	// OnChunk is called once per chunk after it has been verified and
	// written. Calls are serialized. An error stops the download.
	OnChunk func(Chunk) error

	Progress Progress
	Logger   *slog.Logger
}

func (o DownloadOptions) withDefaults() (DownloadOptions, error) {
	if o.Workers < 0 || o.ChunkSize < 0 || o.MaxConsecutiveFailures < 0 {
		return o, &vault.ValidationError{Field: "download", Reason: "options must not be negative"}
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if err := ValidateChunkSize(o.ChunkSize); err != nil {
		return o, err
	}
	if o.MaxConsecutiveFailures == 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.Progress == nil {
		o.Progress = noProgress{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o, nil
}

// ValidateChunkSize reports whether size can be used as a download
// chunk size.
func ValidateChunkSize(size int64) error {
	if size < treehash.LeafSize || size%treehash.LeafSize != 0 || bits.OnesCount64(uint64(size/treehash.LeafSize)) != 1 {
		return &vault.ValidationError{
			Field:  "chunk_size",
			Reason: fmt.Sprintf("%d is not 1 MiB times a power of two", size),
		}
	}
	return nil
}

// Chunks splits an output of size bytes into ranges of chunkSize.
func Chunks(size, chunkSize int64) []vault.ByteRange {
	var out []vault.ByteRange
	for off := int64(0); off < size; off += chunkSize {
		out = append(out, vault.ByteRange{Start: off, End: min(off+chunkSize, size) - 1})
	}
	return out
}

// FailedChunk records a chunk that failed after exhausting its retries.
type FailedChunk struct {
	Index int
	Err   error
}

// CircuitBreakerError is returned when too many consecutive chunks fail.
// Chunks written before the breaker tripped were reported to OnChunk
// and can be passed back through DownloadOptions.Done.
type CircuitBreakerError struct {
	ConsecutiveFailures int
	FailedChunks        []FailedChunk
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

func (e *CircuitBreakerError) Unwrap() error {
	if len(e.FailedChunks) == 0 {
		return nil
	}
	return e.FailedChunks[len(e.FailedChunks)-1].Err
}

// fetch reads one chunk into w and verifies it against the hash the
// service returned with it.
func fetch(ctx context.Context, client vault.Client, vaultName, jobID string, idx int, rng *vault.ByteRange, w io.Writer) (treehash.Hash, int64, error) {
	out, err := client.GetJobOutput(ctx, vaultName, jobID, rng)
	if err != nil {
		return treehash.Hash{}, 0, err
	}
	defer out.Body.Close()

	digest := treehash.New()
	n, err := io.Copy(io.MultiWriter(w, digest), out.Body)
	if err != nil {
		return treehash.Hash{}, n, vault.Transient(fmt.Errorf("read chunk %d: %w", idx, err))
	}
	if rng != nil && n != rng.Len() {
		return treehash.Hash{}, n, vault.Transient(fmt.Errorf("chunk %d: short read: got %d of %d bytes", idx, n, rng.Len()))
	}
	got := digest.Sum()
	if !out.Hash.IsZero() && out.Hash != got {
		return got, n, vault.Transient(&vault.IntegrityError{PartIndex: idx, Expected: out.Hash, Actual: got, Message: "job output"})
	}
	return got, n, nil
}

// verify checks the merged chunk hashes against the hash the job
// reported for its whole output.
func verify(job *vault.Job, hashes []treehash.Hash) error {
	if job.Hash.IsZero() || len(hashes) == 0 {
		return nil
	}
	if got := treehash.Combine(hashes); got != job.Hash {
		return &vault.IntegrityError{PartIndex: -1, Expected: job.Hash, Actual: got, Message: "job " + job.JobID + " output"}
	}
	return nil
}

// Download writes the output of a ready job to dst using parallel
// ranged requests. Each chunk is verified against the tree hash returned
// with it and the merged result against job.Hash.
func Download(ctx context.Context, client vault.Client, job *vault.Job, dst io.WriterAt, opts DownloadOptions) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}
	if job.Status != vault.JobReady {
		return fmt.Errorf("job %s is %s: %w", job.JobID, job.Status, vault.ErrJobNotReady)
	}
	if job.Size <= 0 {
		// Size unknown or empty: a single request.
		return Stream(ctx, client, job, io.NewOffsetWriter(dst, 0), opts)
	}

	logger := opts.Logger.With("job_id", job.JobID)
	ranges := Chunks(job.Size, opts.ChunkSize)
	hashes := make([]treehash.Hash, len(ranges))
	for idx, h := range opts.Done {
		if idx >= 0 && idx < len(hashes) {
			hashes[idx] = h
		}
	}

	type result struct {
		chunk Chunk
		err   error
	}

	// Breaker state is owned by the collector; cancelling work stops
	// the feeder and any queued chunks.
	work, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan result, opts.Workers)
	var wg sync.WaitGroup

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				rng := ranges[idx]
				opts.Progress.ChunkStarted(idx, rng.Len())

				var hash treehash.Hash
				err := opts.Retry.Do(work, func(ctx context.Context, attempt int) error {
					var err error
					hash, _, err = fetch(ctx, client, job.Vault, job.JobID, idx, &rng,
						io.NewOffsetWriter(dst, rng.Start))
					if err != nil && vault.IsTransient(err) {
						logger.Warn("chunk failed", "chunk", idx, "range", rng, "attempt", attempt, "error", err)
					}
					return err
				})
				if err != nil {
					opts.Progress.ChunkFailed(idx, err)
					err = fmt.Errorf("chunk %d (%s): %w", idx, rng, err)
				} else {
					opts.Progress.ChunkCompleted(idx, rng.Len())
				}
				results <- result{chunk: Chunk{Index: idx, Range: rng, Hash: hash}, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx := range ranges {
			if _, done := opts.Done[idx]; done {
				continue
			}
			select {
			case jobs <- idx:
			case <-work.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		consecutive int
		failed      []FailedChunk
		tripped     bool
		firstErr    error
	)
	for r := range results {
		if r.err != nil {
			consecutive++
			failed = append(failed, FailedChunk{Index: r.chunk.Index, Err: r.err})
			if consecutive >= opts.MaxConsecutiveFailures && !tripped {
				tripped = true
				cancel()
			}
			continue
		}
		consecutive = 0
		hashes[r.chunk.Index] = r.chunk.Hash
		if opts.OnChunk != nil && firstErr == nil {
			if err := opts.OnChunk(r.chunk); err != nil {
				firstErr = fmt.Errorf("record chunk %d: %w", r.chunk.Index, err)
				cancel()
			}
		}
	}

	switch {
	case firstErr != nil:
		return firstErr
	case ctx.Err() != nil:
		return ctx.Err()
	case tripped:
		return &CircuitBreakerError{ConsecutiveFailures: consecutive, FailedChunks: failed}
	case len(failed) > 0:
		return errors.Join(chunkErrors(failed)...)
	}

	if err := verify(job, hashes); err != nil {
		return err
	}
	logger.Info("job output downloaded", "size", job.Size, "chunks", len(ranges), "resumed", len(opts.Done))
	return nil
}

func chunkErrors(failed []FailedChunk) []error {
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = f.Err
	}
	return errs
}

// Stream writes the output of a ready job to w with sequential ranged
// requests. Each chunk is buffered and verified before it is written, so
// a corrupt range is fetched again instead of reaching w.
func Stream(ctx context.Context, client vault.Client, job *vault.Job, w io.Writer, opts DownloadOptions) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}
	if job.Status != vault.JobReady {
		return fmt.Errorf("job %s is %s: %w", job.JobID, job.Status, vault.ErrJobNotReady)
	}

	var ranges []*vault.ByteRange
	if job.Size > 0 {
		for _, r := range Chunks(job.Size, opts.ChunkSize) {
			ranges = append(ranges, &r)
		}
	} else {
		ranges = []*vault.ByteRange{nil}
	}

	var (
		buf    bytes.Buffer
		hashes []treehash.Hash
	)
	for idx, rng := range ranges {
		length := job.Size
		if rng != nil {
			length = rng.Len()
		}
		opts.Progress.ChunkStarted(idx, length)

		var hash treehash.Hash
		var n int64
		err := opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
			buf.Reset()
			var err error
			hash, n, err = fetch(ctx, client, job.Vault, job.JobID, idx, rng, &buf)
			if err != nil && vault.IsTransient(err) {
				opts.Logger.Warn("chunk failed", "job_id", job.JobID, "chunk", idx, "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			opts.Progress.ChunkFailed(idx, err)
			return fmt.Errorf("chunk %d: %w", idx, err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			opts.Progress.ChunkFailed(idx, err)
			return fmt.Errorf("write chunk %d: %w", idx, err)
		}
		opts.Progress.ChunkCompleted(idx, n)
		hashes = append(hashes, hash)

		if opts.OnChunk != nil && rng != nil {
			if err := opts.OnChunk(Chunk{Index: idx, Range: *rng, Hash: hash}); err != nil {
				return fmt.Errorf("record chunk %d: %w", idx, err)
			}
		}
	}
	return verify(job, hashes)
}
