package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tbumi/glacier-upload/internal/progress"
	"github.com/tbumi/glacier-upload/pkg/retrieval"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

const archiveUsage = `Usage: glacier archive <command> [options]

Commands:
  init-retrieval  Start a retrieval job for an archive
  get             Wait for a retrieval job and download the archive`

func runArchive(args []string) int {
	return subcommand("archive", args, map[string]func([]string) int{
		"init-retrieval": runArchiveInitRetrieval,
		"get":            runArchiveGet,
	}, archiveUsage)
}

func runArchiveInitRetrieval(args []string) int {
	var common commonFlags
	fs := newFlagSet("archive init-retrieval", `Usage: glacier archive init-retrieval [options] VAULT ARCHIVE_ID

Start a retrieval job for ARCHIVE_ID and print the job ID.`, &common)
	description := fs.StringP("description", "d", "", "Job description")
	tier := fs.String("tier", "", "Retrieval tier: Standard, Bulk or Expedited (default Standard)")

	if ok, code := parse(fs, args); !ok {
		return code
	}
	pos, ok := positional(fs, "VAULT", "ARCHIVE_ID")
	if !ok {
		return ExitInvalidArgs
	}
	common.override.Retrieval.Tier = *tier
	cfg, err := common.load()
	if err != nil {
		return fail(err)
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	client, closeVault, err := openVault(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening vault: %v\n", err)
		return ExitStorageError
	}
	defer closeVault()

	err = initiateJob(ctx, cfg, client, pos[0], vault.JobParameters{
		Kind:        vault.JobArchive,
		ArchiveID:   pos[1],
		Tier:        cfg.Retrieval.Tier,
		Description: *description,
	})
	if err != nil {
		return fail(err)
	}
	return ExitSuccess
}

func runArchiveGet(args []string) int {
	var common commonFlags
	var wait waitFlags
	fs := newFlagSet("archive get", `Usage: glacier archive get [options] VAULT JOB_ID FILE

Wait for the archive retrieval JOB_ID and download the archive to FILE
("-" for stdout). Chunks are downloaded in parallel and verified against
their tree hashes. An interrupted download resumes from FILE.glacier-progress.`, &common)
	wait.add(fs)
	chunkSize := fs.String("chunk-size", "32MiB", "Download chunk size, 1MiB times a power of two (a bare number is MiB)")
	workers := fs.Int("workers", 0, "Chunks downloaded concurrently (default 4)")
	force := fs.Bool("force", false, "Overwrite FILE if it exists")
	showProgress := fs.Bool("progress", false, "Show progress output")

	if ok, code := parse(fs, args); !ok {
		return code
	}
	pos, ok := positional(fs, "VAULT", "JOB_ID", "FILE")
	if !ok {
		return ExitInvalidArgs
	}
	vaultName, jobID, output := pos[0], pos[1], pos[2]

	wait.apply(&common)
	common.override.Retrieval.Workers = *workers
	common.override.Progress = *showProgress
	if err := sizeFlag(fs, "chunk-size", *chunkSize, &common.override.Retrieval.ChunkSize); err != nil {
		return fail(err)
	}
	cfg, err := common.load()
	if err != nil {
		return fail(err)
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	client, closeVault, err := openVault(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening vault: %v\n", err)
		return ExitStorageError
	}
	defer closeVault()

	job, err := awaitJob(ctx, cfg, client, logger, vaultName, jobID, vault.JobArchive, wait.noWait)
	if err != nil {
		return fail(err)
	}

	opts := retrieval.DownloadOptions{
		Workers:   cfg.Retrieval.Workers,
		ChunkSize: cfg.Retrieval.ChunkSize,
		Retry:     cfg.RetryPolicy(),
		Logger:    logger,
	}

	if output == "-" {
		if err := retrieval.Stream(ctx, client, job, stdout, opts); err != nil {
			return fail(err)
		}
		statusf("Archive downloaded.")
		return ExitSuccess
	}

	return downloadToFile(ctx, cfg.Progress, client, job, output, *force, opts)
}

// downloadToFile downloads job into output, resuming from the progress
// file left by an earlier run.
func downloadToFile(ctx context.Context, showProgress bool, client vault.Client, job *vault.Job, output string, force bool, opts retrieval.DownloadOptions) int {
	_, err := os.Stat(output + retrieval.ProgressSuffix)
	resuming := err == nil

	pf, err := retrieval.OpenProgress(output)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening progress file: %v\n", err)
		return ExitGeneralError
	}
	done, err := pf.Load(job.Size, opts.ChunkSize)
	if err != nil {
		pf.Close()
		fmt.Fprintf(stderr, "Error reading progress file: %v\n", err)
		return ExitGeneralError
	}

	// Recorded chunks are useless once the output itself is gone.
	if len(done) > 0 {
		if _, err := os.Stat(output); errors.Is(err, os.ErrNotExist) {
			if err := pf.Remove(); err != nil {
				return fail(err)
			}
			if pf, err = retrieval.OpenProgress(output); err != nil {
				fmt.Fprintf(stderr, "Error opening progress file: %v\n", err)
				return ExitGeneralError
			}
			done = nil
		}
	}

	if !resuming && !force {
		if _, err := os.Lstat(output); err == nil {
			pf.Remove()
			fmt.Fprintf(stderr, "Error: %s already exists; use --force to overwrite it\n", output)
			return ExitInvalidArgs
		} else if !errors.Is(err, os.ErrNotExist) {
			pf.Remove()
			return fail(err)
		}
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		pf.Close()
		fmt.Fprintf(stderr, "Error opening file: %v\n", err)
		return ExitGeneralError
	}
	defer f.Close()

	// Pre-allocate on fresh start
	if len(done) == 0 && job.Size > 0 {
		if err := f.Truncate(job.Size); err != nil {
			pf.Close()
			fmt.Fprintf(stderr, "Error allocating file: %v\n", err)
			return ExitGeneralError
		}
	}

	chunks := retrieval.Chunks(job.Size, opts.ChunkSize)
	if len(done) > 0 {
		statusf("Resuming: %d/%d chunks remaining", len(chunks)-len(done), len(chunks))
	}

	if showProgress {
		var doneBytes int64
		for i := range done {
			doneBytes += chunks[i].Len()
		}
		reporter := progress.NewReporter(progress.Options{
			Action:         "Downloading",
			Name:           output,
			TotalSize:      job.Size,
			TotalParts:     len(chunks),
			PartSize:       opts.ChunkSize,
			Workers:        opts.Workers,
			Output:         stderr,
			UpdateInterval: 5 * time.Second,
		})
		reporter.Skip(len(done), doneBytes)
		reporter.Start()
		defer reporter.Stop()
		opts.Progress = reporter
	}

	opts.Done = done
	opts.OnChunk = pf.Record

	if err := retrieval.Download(ctx, client, job, f, opts); err != nil {
		pf.Close()
		if ctx.Err() == nil {
			statusf("Run again to resume")
		} else {
			statusf("Download interrupted, progress saved for resume")
		}
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		pf.Close()
		return fail(err)
	}

	// All done
	if err := pf.Remove(); err != nil {
		fmt.Fprintf(stderr, "Warning: remove progress file: %v\n", err)
	}
	statusf("Downloaded %s to %s", progress.FormatBytes(job.Size), output)
	return ExitSuccess
}
