package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/tbumi/glacier-upload/internal/config"
	"github.com/tbumi/glacier-upload/pkg/retrieval"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// subcommand dispatches "glacier <group> <sub>".
func subcommand(group string, args []string, subs map[string]func([]string) int, usage string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return ExitInvalidArgs
	}
	switch args[0] {
	case "help", "-h", "--help":
		fmt.Fprintln(stderr, usage)
		return ExitSuccess
	}
	run, ok := subs[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown %s command: %s\n", group, args[0])
		fmt.Fprintln(stderr, usage)
		return ExitInvalidArgs
	}
	return run(args[1:])
}

// withRetry runs one remote call under the configured retry policy.
func withRetry(ctx context.Context, cfg config.Config, fn func(ctx context.Context) error) error {
	return cfg.RetryPolicy().Do(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

// initiateJob starts a retrieval job and prints its id to stdout.
func initiateJob(ctx context.Context, cfg config.Config, client vault.Client, vaultName string, params vault.JobParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	statusf("Sending %s initiation request...", params.Kind)
	var jobID string
	err := withRetry(ctx, cfg, func(ctx context.Context) error {
		var err error
		jobID, err = client.InitiateJob(ctx, vaultName, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("initiate %s: %w", params.Kind, err)
	}
	statusf("Job initiation request received. Job ID: %s", jobID)
	fmt.Fprintln(stdout, jobID)
	return nil
}

// waitFlags control how "get" commands wait for their job.
type waitFlags struct {
	noWait   bool
	interval time.Duration
	timeout  time.Duration
}

func (w *waitFlags) add(fs *pflag.FlagSet) {
	fs.BoolVar(&w.noWait, "no-wait", false, "Check the job once instead of waiting for it (exit code 8 when not ready)")
	fs.DurationVar(&w.interval, "poll-interval", 0, "Time between job status checks (default 1m)")
	fs.DurationVar(&w.timeout, "timeout", 0, "Give up waiting after this long (default: wait indefinitely)")
}

func (w *waitFlags) apply(c *commonFlags) {
	c.override.Poll.Interval = w.interval
	c.override.Poll.Timeout = w.timeout
}

// awaitJob returns jobID once it has completed successfully. With
// noWait it checks the job once.
func awaitJob(ctx context.Context, cfg config.Config, client vault.Client, logger *slog.Logger, vaultName, jobID string, kind vault.JobKind, noWait bool) (*vault.Job, error) {
	opts := cfg.PollOptions()
	opts.Logger = logger
	poller, err := retrieval.NewPoller(client, opts)
	if err != nil {
		return nil, err
	}

	statusf("Checking status of job %s in %s...", jobID, vaultName)
	var job *vault.Job
	if noWait {
		job, err = poller.Check(ctx, vaultName, jobID)
	} else {
		job, err = poller.Wait(ctx, vaultName, jobID)
	}
	if errors.Is(err, vault.ErrJobNotReady) {
		statusf("Job is not completed.")
	}
	if err != nil {
		return nil, err
	}
	if job.Kind != kind {
		return nil, &vault.ValidationError{
			Field:  "job_id",
			Reason: fmt.Sprintf("job %s is a %s, not a %s", jobID, job.Kind, kind),
		}
	}
	statusf("Job status: %s", job.Status)
	return job, nil
}
