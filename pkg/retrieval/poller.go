package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbumi/glacier-upload/internal/clock"
	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// ErrTimeout is returned by Wait when the job is still pending after
// Options.Timeout.
var ErrTimeout = errors.New("retrieval: timed out waiting for job")

// Options configures a Poller.
type Options struct {
	// Interval is the wait between status checks.
	// Default: 1m
	Interval time.Duration

	// MinInterval is the floor on the spacing of status checks issued
	// through the poller, across all jobs it waits on.
	// Default: 1s
	MinInterval time.Duration

	// Timeout bounds Wait; 0 waits until the job finishes or ctx is
	// cancelled.
	Timeout time.Duration

	// Retry applies to transient failures of individual status checks.
	Retry retry.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// Poller waits for retrieval jobs to finish.
type Poller struct {
	client  vault.Client
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPoller returns a Poller. Interval is raised to MinInterval if it is
// shorter.
func NewPoller(client vault.Client, opts Options) (*Poller, error) {
	if opts.Interval < 0 || opts.MinInterval < 0 || opts.Timeout < 0 {
		return nil, &vault.ValidationError{Field: "poll", Reason: "durations must not be negative"}
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = time.Second
	}
	if opts.Interval < opts.MinInterval {
		opts.Interval = opts.MinInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Retry.Clock == nil {
		opts.Retry.Clock = opts.Clock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Poller{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:  logger,
	}, nil
}

// throttle blocks until the rate limiter admits one more status check.
func (p *Poller) throttle(ctx context.Context) error {
	now := p.opts.Clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("retrieval: poll rate limit misconfigured")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		r.CancelAt(p.opts.Clock.Now())
		return ctx.Err()
	case <-p.opts.Clock.After(delay):
		return nil
	}
}

func (p *Poller) describe(ctx context.Context, vaultName, jobID string) (*vault.Job, error) {
	var job *vault.Job
	err := p.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := p.throttle(ctx); err != nil {
			return err
		}
		var err error
		job, err = p.client.DescribeJob(ctx, vaultName, jobID)
		if err != nil && vault.IsTransient(err) {
			p.logger.Warn("job status check failed", "job_id", jobID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("describe job %s: %w", jobID, err)
	}
	return job, nil
}

// Check issues a single status check. A pending job yields the job and
// an error wrapping vault.ErrJobNotReady; a failed job yields
// *vault.JobFailedError.
func (p *Poller) Check(ctx context.Context, vaultName, jobID string) (*vault.Job, error) {
	job, err := p.describe(ctx, vaultName, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case vault.JobReady:
		return job, nil
	case vault.JobFailed:
		return job, &vault.JobFailedError{JobID: jobID, Reason: job.StatusMessage}
	default:
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, vault.ErrJobNotReady)
	}
}

// Wait polls the job until it succeeds or fails, sleeping Interval
// between checks. Cancelling ctx stops the local wait only; the remote
// job is unaffected.
func (p *Poller) Wait(ctx context.Context, vaultName, jobID string) (*vault.Job, error) {
	logger := p.logger.With("job_id", jobID)

	var deadline time.Time
	if p.opts.Timeout > 0 {
		deadline = p.opts.Clock.Now().Add(p.opts.Timeout)
	}

	for polls := 1; ; polls++ {
		job, err := p.Check(ctx, vaultName, jobID)
		if err == nil {
			logger.Info("job ready", "polls", polls, "size", job.Size)
			return job, nil
		}
		if !errors.Is(err, vault.ErrJobNotReady) {
			return job, err
		}

		wait := p.opts.Interval
		if !deadline.IsZero() {
			left := deadline.Sub(p.opts.Clock.Now())
			if left <= 0 {
				return job, fmt.Errorf("%w: job %s after %s", ErrTimeout, jobID, p.opts.Timeout)
			}
			wait = min(wait, left)
		}
		logger.Debug("job pending", "polls", polls, "next_check", wait)

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-p.opts.Clock.After(wait):
		}
	}
}
