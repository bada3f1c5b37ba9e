package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tbumi/glacier-upload/internal/source"
	"github.com/tbumi/glacier-upload/pkg/retrieval"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceNotAccess = 3
	ExitResumeMismatch  = 4
	ExitStorageError    = 5
	ExitIntegrityError  = 6
	ExitJobFailed       = 7
	ExitJobNotReady     = 8
)

// Replaced in tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "upload":
		return runUpload(cmdArgs)
	case "archive":
		return runArchive(cmdArgs)
	case "inventory":
		return runInventory(cmdArgs)
	case "uploads":
		return runUploads(cmdArgs)
	case "delete":
		return runDelete(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: glacier <command> [options]

Commands:
  upload     Upload a file, a directory or several paths as one archive
  archive    Start an archive retrieval, or download a retrieved archive
  inventory  Start an inventory retrieval, or print a retrieved inventory
  uploads    List pending multipart uploads and their parts, or abort one
  delete     Delete an archive
  serve      Serve the vault REST API over a bucket-backed vault

Every command needs a vault backend: --vault-url, GLACIER_VAULT_URL or
vault_url in the --config file.

Run 'glacier <command> -h' for command-specific help.`)
}

// exitCode maps an error to the exit code reported for it.
func exitCode(err error) int {
	var (
		verr     *vault.ValidationError
		oerr     *source.OpenError
		rerr     *vault.ResumeMismatchError
		derr     *vault.DispatchError
		ierr     *vault.IntegrityError
		jerr     *vault.JobFailedError
		breakErr *retrieval.CircuitBreakerError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitGeneralError
	case errors.As(err, &verr):
		return ExitInvalidArgs
	case errors.As(err, &oerr):
		return ExitSourceNotAccess
	case errors.As(err, &rerr):
		return ExitResumeMismatch
	case errors.As(err, &derr), errors.As(err, &breakErr):
		return ExitStorageError
	case errors.As(err, &ierr):
		return ExitIntegrityError
	case errors.As(err, &jerr):
		return ExitJobFailed
	case errors.Is(err, vault.ErrJobNotReady), errors.Is(err, retrieval.ErrTimeout):
		return ExitJobNotReady
	case errors.Is(err, vault.ErrNotFound), vault.IsTransient(err):
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}

// fail prints err and returns its exit code.
func fail(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}
