package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbumi/glacier-upload/internal/config"
	"github.com/tbumi/glacier-upload/internal/progress"
	"github.com/tbumi/glacier-upload/internal/source"
	"github.com/tbumi/glacier-upload/pkg/multipart"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// runUpload uploads one file, a directory, several paths or stdin as a
// single archive. Several paths or a directory are consolidated into a
// zstd-compressed tar stream first.
func runUpload(args []string) int {
	var common commonFlags
	fs := newFlagSet("upload", `Usage: glacier upload [options] VAULT FILE...

Upload FILE as an archive in VAULT. Several files, or a directory, are
packed into one .tar.zst archive. "-" reads the archive from stdin.
An interrupted or failed upload prints its upload ID; pass it back with
-u to send only the missing parts.`, &common)

	description := fs.StringP("description", "d", "", "Archive description")
	partSize := fs.StringP("part-size", "p", "8MiB", "Part size, a power of two from 1MiB to 4GiB (a bare number is MiB)")
	workers := fs.IntP("threads", "t", 0, fmt.Sprintf("Parts uploaded concurrently (default %d)", config.DefaultWorkers()))
	uploadID := fs.StringP("upload-id", "u", "", "Resume the multipart upload with this ID")
	showProgress := fs.Bool("progress", false, "Show progress output")

	if ok, code := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "Error: VAULT and at least one FILE are required")
		fs.Usage()
		return ExitInvalidArgs
	}
	vaultName, paths := fs.Arg(0), fs.Args()[1:]

	common.override.Workers = *workers
	common.override.Progress = *showProgress
	if err := sizeFlag(fs, "part-size", *partSize, &common.override.PartSize); err != nil {
		return fail(err)
	}
	cfg, err := common.load()
	if err != nil {
		return fail(err)
	}
	logger := newLogger(cfg)

	// A resumed upload adopts the recorded part size unless one was
	// asked for explicitly.
	opts := multipart.Options{
		PartSize:    cfg.PartSize,
		Workers:     cfg.Workers,
		Description: *description,
		UploadID:    *uploadID,
		Retry:       cfg.RetryPolicy(),
		Logger:      logger,
	}
	if opts.UploadID != "" {
		opts.PartSize = common.override.PartSize
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, closeVault, err := openVault(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening vault: %v\n", err)
		return ExitStorageError
	}
	defer closeVault()

	if len(paths) > 1 || paths[0] != source.Stdin {
		statusf("Opening %s...", strings.Join(paths, ", "))
	}
	src, err := source.Open(ctx, paths, source.Options{Stdin: stdin, Logger: logger})
	if err != nil {
		return fail(err)
	}
	defer src.Close()
	if src.Consolidated {
		statusf("Files consolidated into %s (%s)", src.Name, progress.FormatBytes(src.Size))
	}

	// OnSession runs before any part is dispatched, so the reporter is
	// in place before the pool reports to it.
	var reporter *progress.Reporter
	opts.Progress = progressProxy{&reporter}
	opts.OnSession = func(s *multipart.Session) {
		if opts.UploadID == "" {
			statusf("Upload ID: %s", s.ID)
		} else {
			statusf("Resuming upload %s: %d parts already uploaded", s.ID, s.ConfirmedCount())
		}
		if cfg.Progress {
			reporter = startUploadProgress(src, s, cfg.Workers)
		}
	}

	start := time.Now()
	res, err := multipart.Upload(ctx, client, vaultName, src.Archive(), opts)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		var derr *vault.DispatchError
		var ierr *vault.IntegrityError
		switch {
		case errors.As(err, &derr):
			statusf("Upload can still be resumed: glacier upload -u %s %s %s", derr.UploadID, vaultName, strings.Join(paths, " "))
		case errors.As(err, &ierr) && ierr.UploadID != "":
			statusf("Upload can still be resumed: glacier upload -u %s %s %s", ierr.UploadID, vaultName, strings.Join(paths, " "))
		}
		return fail(err)
	}

	statusf("Upload complete: %s in %d parts (%d skipped) in %s",
		progress.FormatBytes(res.Size), res.Parts, res.Skipped, time.Since(start).Round(time.Second))
	statusf("Tree hash: %s", res.Hash)
	if res.Location != "" {
		statusf("Location: %s", res.Location)
	}
	fmt.Fprintln(stdout, res.ArchiveID)
	return ExitSuccess
}

func startUploadProgress(src *source.Source, s *multipart.Session, workers int) *progress.Reporter {
	parts := 0
	if src.Size >= 0 {
		if plan, err := multipart.NewPlan(s.PartSize, src.Size); err == nil {
			parts = plan.Count()
		}
	}
	r := progress.NewReporter(progress.Options{
		Action:         "Uploading",
		Name:           src.Name,
		TotalSize:      src.Size,
		TotalParts:     parts,
		PartSize:       s.PartSize,
		Workers:        workers,
		Output:         stderr,
		UpdateInterval: 5 * time.Second,
	})
	r.Skip(s.ConfirmedCount(), s.ConfirmedBytes())
	r.Start()
	return r
}

// progressProxy forwards to a reporter created once the session is
// known. It does nothing while the reporter is nil.
type progressProxy struct {
	r **progress.Reporter
}

func (p progressProxy) PartStarted(index int, length int64) {
	if r := *p.r; r != nil {
		r.PartStarted(index, length)
	}
}

func (p progressProxy) PartCompleted(index int, length int64) {
	if r := *p.r; r != nil {
		r.PartCompleted(index, length)
	}
}

func (p progressProxy) PartFailed(index int, err error) {
	if r := *p.r; r != nil {
		r.PartFailed(index, err)
	}
}
