package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tbumi/glacier-upload/pkg/retrieval"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

const inventoryUsage = `Usage: glacier inventory <command> [options]

Commands:
  init-retrieval  Start an inventory retrieval job for a vault
  get             Wait for an inventory job and print the inventory`

func runInventory(args []string) int {
	return subcommand("inventory", args, map[string]func([]string) int{
		"init-retrieval": runInventoryInitRetrieval,
		"get":            runInventoryGet,
	}, inventoryUsage)
}

func runInventoryInitRetrieval(args []string) int {
	var common commonFlags
	fs := newFlagSet("inventory init-retrieval", `Usage: glacier inventory init-retrieval [options] VAULT

Start an inventory retrieval job for VAULT and print the job ID.`, &common)
	format := fs.StringP("format", "f", "", "Inventory format: JSON or CSV (default JSON)")
	description := fs.StringP("description", "d", "", "Job description")

	if ok, code := parse(fs, args); !ok {
		return code
	}
	pos, ok := positional(fs, "VAULT")
	if !ok {
		return ExitInvalidArgs
	}
	common.override.Inventory.Format = strings.ToUpper(*format)
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
		Kind:        vault.JobInventory,
		Format:      cfg.Inventory.Format,
		Description: *description,
	})
	if err != nil {
		return fail(err)
	}
	return ExitSuccess
}

func runInventoryGet(args []string) int {
	var common commonFlags
	var wait waitFlags
	fs := newFlagSet("inventory get", `Usage: glacier inventory get [options] VAULT JOB_ID

Wait for the inventory retrieval JOB_ID and print the inventory to
stdout. JSON inventories are pretty-printed; CSV is printed as is.`, &common)
	wait.add(fs)

	if ok, code := parse(fs, args); !ok {
		return code
	}
	pos, ok := positional(fs, "VAULT", "JOB_ID")
	if !ok {
		return ExitInvalidArgs
	}
	wait.apply(&common)
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

	job, err := awaitJob(ctx, cfg, client, logger, pos[0], pos[1], vault.JobInventory, wait.noWait)
	if err != nil {
		return fail(err)
	}

	statusf("Retrieving job data...")
	var buf bytes.Buffer
	err = retrieval.Stream(ctx, client, job, &buf, retrieval.DownloadOptions{
		Retry:  cfg.RetryPolicy(),
		Logger: logger,
	})
	if err != nil {
		return fail(err)
	}

	out := buf.Bytes()
	if job.Format == vault.FormatJSON {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, out, "", "  "); err == nil {
			pretty.WriteByte('\n')
			out = pretty.Bytes()
		}
	}
	if _, err := stdout.Write(out); err != nil {
		return fail(err)
	}
	return ExitSuccess
}
