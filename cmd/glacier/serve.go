package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tbumi/glacier-upload/pkg/vault/blobvault"
	"github.com/tbumi/glacier-upload/pkg/vault/httpvault"
)

// runServe exposes a bucket-backed vault over the REST API, so the http
// client (and this CLI with an http:// --vault-url) can reach it.
func runServe(args []string) int {
	var common commonFlags
	fs := newFlagSet("serve", `Usage: glacier serve [options]

Serve the vault REST API over the bucket named by --vault-url, for
example file:///srv/vaults or s3://my-bucket.`, &common)
	listen := fs.String("listen", ":8080", "Address to listen on")
	delay := fs.Duration("retrieval-delay", 0, "How long retrieval jobs stay in progress")

	if ok, code := parse(fs, args); !ok {
		return code
	}
	if _, ok := positional(fs); !ok {
		return ExitInvalidArgs
	}
	cfg, err := common.load()
	if err != nil {
		return fail(err)
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	svc, bucket, err := blobvault.Open(ctx, cfg.VaultURL,
		blobvault.WithLogger(logger),
		blobvault.WithRetrievalDelay(*delay))
	if err != nil {
		fmt.Fprintf(stderr, "Error opening vault: %v\n", err)
		return ExitStorageError
	}
	defer bucket.Close()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	if err := serve(ctx, ln, httpvault.NewHandler(svc, logger)); err != nil {
		return fail(err)
	}
	return ExitSuccess
}

// serve runs handler on ln until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	statusf("Serving vault API on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	statusf("Server stopped")
	return nil
}
