package multipart

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Resume loads an existing session from the service and rebuilds its
// confirmed set from the parts the service reports. Remote part hashes
// are trusted.
//
// partSize is the part size the caller plans to use; 0 adopts the
// recorded one. size is the archive size, or -1 when unknown. Any
// disagreement between the recorded parts and the plan yields
// *vault.ResumeMismatchError and nothing is dispatched.
func Resume(ctx context.Context, client vault.Client, vaultName, uploadID string, partSize, size int64) (*Session, error) {
	list, err := vault.ListAllParts(ctx, client, vaultName, uploadID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, &vault.ResumeMismatchError{
				UploadID: uploadID,
				Planned:  partSize,
				Reason:   "session not found",
			}
		}
		return nil, fmt.Errorf("list parts of %s: %w", uploadID, err)
	}

	if partSize != 0 && list.PartSize != partSize {
		return nil, &vault.ResumeMismatchError{
			UploadID: uploadID,
			Recorded: list.PartSize,
			Planned:  partSize,
		}
	}
	if err := ValidatePartSize(list.PartSize); err != nil {
		return nil, &vault.ResumeMismatchError{
			UploadID: uploadID,
			Recorded: list.PartSize,
			Planned:  partSize,
			Reason:   fmt.Sprintf("recorded part size is unusable: %v", err),
		}
	}

	s := newSession(uploadID, vaultName, list.Description, list.PartSize)
	for _, info := range list.Parts {
		part, err := partFromInfo(info, list.PartSize, size)
		if err != nil {
			return nil, &vault.ResumeMismatchError{
				UploadID: uploadID,
				Recorded: list.PartSize,
				Planned:  partSize,
				Reason:   err.Error(),
			}
		}
		if err := s.confirm(part); err != nil {
			return nil, &vault.ResumeMismatchError{UploadID: uploadID, Reason: err.Error()}
		}
	}
	return s, nil
}

// partFromInfo maps a remote part to its index in the plan. size is -1
// when the archive length is not known yet.
func partFromInfo(info vault.PartInfo, partSize, size int64) (Part, error) {
	r := info.Range
	if r.Start < 0 || r.Start%partSize != 0 {
		return Part{}, fmt.Errorf("part at %s is not aligned to %d", r, partSize)
	}
	length := r.Len()
	if length < 0 || length > partSize {
		return Part{}, fmt.Errorf("part at %s has invalid length %d", r, length)
	}

	part := Part{
		Index:  int(r.Start / partSize),
		Offset: r.Start,
		Length: length,
		Hash:   info.Hash,
	}
	if size < 0 {
		return part, nil
	}

	plan := Plan{PartSize: partSize, Size: size}
	if part.Index >= plan.Count() {
		return Part{}, fmt.Errorf("part at %s lies beyond the end of a %d byte archive", r, size)
	}
	if want := plan.Part(part.Index); want.Length != length {
		return Part{}, fmt.Errorf("part %d has length %d, planned %d", part.Index, length, want.Length)
	}
	return part, nil
}

// ListParts returns the confirmed parts of an upload in index order,
// together with its part size.
func ListParts(ctx context.Context, client vault.Client, vaultName, uploadID string) ([]Part, int64, error) {
	list, err := vault.ListAllParts(ctx, client, vaultName, uploadID)
	if err != nil {
		return nil, 0, err
	}
	if list.PartSize <= 0 {
		return nil, 0, fmt.Errorf("upload %s reports part size %d", uploadID, list.PartSize)
	}

	parts := make([]Part, 0, len(list.Parts))
	for _, info := range list.Parts {
		part, err := partFromInfo(info, list.PartSize, -1)
		if err != nil {
			return nil, 0, fmt.Errorf("upload %s: %w", uploadID, err)
		}
		parts = append(parts, part)
	}
	slices.SortFunc(parts, func(a, b Part) int { return a.Index - b.Index })
	return parts, list.PartSize, nil
}

// ListPending returns the in-progress uploads of a vault.
func ListPending(ctx context.Context, client vault.Client, vaultName string) ([]vault.Upload, error) {
	uploads, err := vault.ListAllUploads(ctx, client, vaultName)
	if err != nil {
		return nil, fmt.Errorf("list uploads of %s: %w", vaultName, err)
	}
	slices.SortFunc(uploads, func(a, b vault.Upload) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return uploads, nil
}

// Abort discards an upload session and its parts. Aborting a session
// that no longer exists is not an error.
func Abort(ctx context.Context, client vault.Client, vaultName, uploadID string) error {
	err := client.AbortUpload(ctx, vaultName, uploadID)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("abort upload %s: %w", uploadID, err)
	}
	return nil
}
