package main

import (
	"context"

	"github.com/tbumi/glacier-upload/internal/config"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// runDelete removes an archive from a vault.
func runDelete(args []string) int {
	return vaultCommand("delete", `Usage: glacier delete [options] VAULT ARCHIVE_ID

Delete the archive ARCHIVE_ID from VAULT.`, args, []string{"VAULT", "ARCHIVE_ID"},
		func(ctx context.Context, cfg config.Config, client vault.Client, pos []string) error {
			statusf("Sending delete archive request...")
			err := withRetry(ctx, cfg, func(ctx context.Context) error {
				return client.DeleteArchive(ctx, pos[0], pos[1])
			})
			if err != nil {
				return err
			}
			statusf("Archive %s deleted", pos[1])
			return nil
		})
}
