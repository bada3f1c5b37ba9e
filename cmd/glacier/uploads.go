package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/tbumi/glacier-upload/internal/config"
	"github.com/tbumi/glacier-upload/internal/progress"
	"github.com/tbumi/glacier-upload/pkg/multipart"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

const uploadsUsage = `Usage: glacier uploads <command> [options]

Commands:
  list   List the pending multipart uploads of a vault
  parts  List the uploaded parts of a pending upload
  abort  Abort a pending upload and discard its parts`

func runUploads(args []string) int {
	return subcommand("uploads", args, map[string]func([]string) int{
		"list":  runUploadsList,
		"parts": runUploadsParts,
		"abort": runUploadsAbort,
	}, uploadsUsage)
}

// vaultCommand parses a command taking only positional arguments and
// runs fn against the opened vault.
func vaultCommand(name, usage string, args []string, names []string,
	fn func(ctx context.Context, cfg config.Config, client vault.Client, pos []string) error) int {
	var common commonFlags
	fs := newFlagSet(name, usage, &common)
	if ok, code := parse(fs, args); !ok {
		return code
	}
	pos, ok := positional(fs, names...)
	if !ok {
		return ExitInvalidArgs
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

	if err := fn(ctx, cfg, client, pos); err != nil {
		return fail(err)
	}
	return ExitSuccess
}

func runUploadsList(args []string) int {
	return vaultCommand("uploads list", `Usage: glacier uploads list [options] VAULT

List the pending multipart uploads of VAULT, oldest first.`, args, []string{"VAULT"},
		func(ctx context.Context, cfg config.Config, client vault.Client, pos []string) error {
			var uploads []vault.Upload
			err := withRetry(ctx, cfg, func(ctx context.Context) error {
				var err error
				uploads, err = multipart.ListPending(ctx, client, pos[0])
				return err
			})
			if err != nil {
				return err
			}
			if len(uploads) == 0 {
				statusf("No pending uploads in %s", pos[0])
				return nil
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UPLOAD ID\tCREATED\tPART SIZE\tDESCRIPTION")
			for _, u := range uploads {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					u.UploadID, u.CreatedAt.UTC().Format(time.RFC3339), progress.FormatBytes(u.PartSize), u.Description)
			}
			return tw.Flush()
		})
}

func runUploadsParts(args []string) int {
	return vaultCommand("uploads parts", `Usage: glacier uploads parts [options] VAULT UPLOAD_ID

List the parts of the pending upload UPLOAD_ID that the vault has
confirmed.`, args, []string{"VAULT", "UPLOAD_ID"},
		func(ctx context.Context, cfg config.Config, client vault.Client, pos []string) error {
			var (
				parts    []multipart.Part
				partSize int64
			)
			err := withRetry(ctx, cfg, func(ctx context.Context) error {
				var err error
				parts, partSize, err = multipart.ListParts(ctx, client, pos[0], pos[1])
				return err
			})
			if err != nil {
				return err
			}
			statusf("Upload %s: %d parts of %s confirmed", pos[1], len(parts), progress.FormatBytes(partSize))

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PART\tRANGE\tTREE HASH")
			for _, p := range parts {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", p.Index, p.Range(), p.Hash)
			}
			return tw.Flush()
		})
}

func runUploadsAbort(args []string) int {
	return vaultCommand("uploads abort", `Usage: glacier uploads abort [options] VAULT UPLOAD_ID

Abort the pending upload UPLOAD_ID. Its parts are discarded and it can
no longer be resumed.`, args, []string{"VAULT", "UPLOAD_ID"},
		func(ctx context.Context, cfg config.Config, client vault.Client, pos []string) error {
			err := withRetry(ctx, cfg, func(ctx context.Context) error {
				return multipart.Abort(ctx, client, pos[0], pos[1])
			})
			if err != nil {
				return err
			}
			statusf("Upload %s aborted", pos[1])
			return nil
		})
}
