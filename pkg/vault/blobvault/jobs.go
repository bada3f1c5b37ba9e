package blobvault

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// jobRecord is the persisted form of a retrieval job. Inventory jobs
// snapshot the vault when they are initiated; the snapshot is stored
// next to the record.
type jobRecord struct {
	JobID       string        `json:"job_id"`
	Action      string        `json:"action"`
	Vault       string        `json:"vault"`
	Description string        `json:"description,omitempty"`
	ArchiveID   string        `json:"archive_id,omitempty"`
	Format      string        `json:"format,omitempty"`
	Tier        string        `json:"tier,omitempty"`
	Size        int64         `json:"size"`
	TreeHash    treehash.Hash `json:"tree_hash"`
	CreatedAt   time.Time     `json:"created_at"`
	ReadyAt     time.Time     `json:"ready_at"`
}

func jobKey(vaultName, jobID string) string {
	return path.Join(vaultName, "jobs", jobID+".json")
}

func jobOutputKey(vaultName, jobID string) string {
	return path.Join(vaultName, "jobs", jobID+".output")
}

// InitiateJob implements vault.Client.
func (s *Service) InitiateJob(ctx context.Context, vaultName string, params vault.JobParameters) (string, error) {
	if err := checkName("vault", vaultName); err != nil {
		return "", err
	}
	if err := params.Validate(); err != nil {
		return "", err
	}

	now := s.opts.Clock.Now().UTC()
	rec := jobRecord{
		JobID:       uuid.NewString(),
		Action:      params.Kind.Action(),
		Vault:       vaultName,
		Description: params.Description,
		CreatedAt:   now,
		ReadyAt:     now.Add(s.opts.RetrievalDelay),
	}

	switch params.Kind {
	case vault.JobArchive:
		m, err := s.loadManifest(ctx, vaultName, params.ArchiveID)
		if err != nil {
			return "", err
		}
		rec.ArchiveID = m.ArchiveID
		rec.Size = m.Size
		rec.TreeHash = m.TreeHash
		rec.Tier = params.Tier
		if rec.Tier == "" {
			rec.Tier = vault.TierStandard
		}
	case vault.JobInventory:
		rec.Format = params.Format
		if rec.Format == "" {
			rec.Format = vault.FormatJSON
		}
		out, err := s.inventory(ctx, vaultName, rec.Format, now)
		if err != nil {
			return "", err
		}
		if err := s.bucket.WriteAll(ctx, jobOutputKey(vaultName, rec.JobID), out, nil); err != nil {
			return "", fmt.Errorf("blobvault: write inventory: %w", mapError(err))
		}
		rec.Size = int64(len(out))
		rec.TreeHash = treehash.Sum(out)
	}

	if err := s.writeJSON(ctx, jobKey(vaultName, rec.JobID), rec); err != nil {
		return "", fmt.Errorf("blobvault: write job: %w", mapError(err))
	}
	s.logger.Info("job initiated", "vault", vaultName, "job_id", rec.JobID, "action", rec.Action)
	return rec.JobID, nil
}

func (s *Service) loadJob(ctx context.Context, vaultName, jobID string) (*jobRecord, error) {
	if err := checkName("job_id", jobID); err != nil {
		return nil, err
	}
	var rec jobRecord
	if err := s.readJSON(ctx, jobKey(vaultName, jobID), &rec); err != nil {
		return nil, fmt.Errorf("blobvault: job %s: %w", jobID, err)
	}
	return &rec, nil
}

// DescribeJob implements vault.Client. A job is in progress until the
// retrieval delay has passed. An archive job whose archive was deleted
// in the meantime fails.
func (s *Service) DescribeJob(ctx context.Context, vaultName, jobID string) (*vault.Job, error) {
	rec, err := s.loadJob(ctx, vaultName, jobID)
	if err != nil {
		return nil, err
	}
	return s.describe(ctx, rec)
}

func (s *Service) describe(ctx context.Context, rec *jobRecord) (*vault.Job, error) {
	job := &vault.Job{
		JobID:       rec.JobID,
		Kind:        vault.KindFromAction(rec.Action),
		Vault:       rec.Vault,
		Status:      vault.JobPending,
		Description: rec.Description,
		ArchiveID:   rec.ArchiveID,
		Size:        rec.Size,
		Hash:        rec.TreeHash,
		Format:      rec.Format,
		Tier:        rec.Tier,
		CreatedAt:   rec.CreatedAt,
	}
	if s.opts.Clock.Now().Before(rec.ReadyAt) {
		return job, nil
	}

	job.CompletedAt = rec.ReadyAt
	job.Status = vault.JobReady
	if job.Kind == vault.JobArchive {
		if _, err := s.loadManifest(ctx, rec.Vault, rec.ArchiveID); err != nil {
			if !errors.Is(err, vault.ErrNotFound) {
				return nil, err
			}
			job.Status = vault.JobFailed
			job.StatusMessage = "archive was deleted before the job completed"
		}
	}
	return job, nil
}

// GetJobOutput implements vault.Client.
func (s *Service) GetJobOutput(ctx context.Context, vaultName, jobID string, r *vault.ByteRange) (*vault.JobOutput, error) {
	rec, err := s.loadJob(ctx, vaultName, jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.describe(ctx, rec)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case vault.JobPending:
		return nil, fmt.Errorf("blobvault: job %s: %w", jobID, vault.ErrJobNotReady)
	case vault.JobFailed:
		return nil, &vault.JobFailedError{JobID: jobID, Reason: job.StatusMessage}
	}

	want := vault.ByteRange{Start: 0, End: rec.Size - 1}
	if r != nil {
		if r.Start < 0 || r.End >= rec.Size || r.End < r.Start {
			return nil, &vault.ValidationError{
				Field:  "range",
				Reason: fmt.Sprintf("%s is outside the %d byte output", r, rec.Size),
			}
		}
		want = *r
	}

	out := &vault.JobOutput{}
	if r != nil {
		out.Range = &want
	}

	if job.Kind == vault.JobInventory {
		data, err := s.bucket.ReadAll(ctx, jobOutputKey(vaultName, jobID))
		if err != nil {
			return nil, fmt.Errorf("blobvault: read inventory: %w", mapError(err))
		}
		data = data[want.Start : want.End+1]
		out.Body = io.NopCloser(bytes.NewReader(data))
		out.Hash = treehash.Sum(data)
		out.ContentType = "application/json"
		if rec.Format == vault.FormatCSV {
			out.ContentType = "text/csv"
		}
		return out, nil
	}

	m, err := s.loadManifest(ctx, vaultName, rec.ArchiveID)
	if err != nil {
		return nil, err
	}
	if alignedRange(want, m.Size) {
		if out.Hash, err = s.rangeHash(ctx, m, want); err != nil {
			return nil, fmt.Errorf("blobvault: hash range %s: %w", want, err)
		}
	}
	out.Body = newArchiveReader(ctx, s.bucket, m, want)
	out.ContentType = "application/octet-stream"
	return out, nil
}

// inventory renders the archives of a vault in format.
func (s *Service) inventory(ctx context.Context, vaultName, format string, now time.Time) ([]byte, error) {
	manifests, err := s.listManifests(ctx, vaultName)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(manifests, func(a, b *manifest) int { return a.CreatedAt.Compare(b.CreatedAt) })

	inv := vault.Inventory{
		VaultARN:      "blob:" + vaultName,
		InventoryDate: now,
		ArchiveList:   make([]vault.InventoryArchive, 0, len(manifests)),
	}
	for _, m := range manifests {
		inv.ArchiveList = append(inv.ArchiveList, vault.InventoryArchive{
			ArchiveID:          m.ArchiveID,
			ArchiveDescription: m.Description,
			CreationDate:       m.CreatedAt,
			Size:               m.Size,
			SHA256TreeHash:     m.TreeHash,
		})
	}

	if format == vault.FormatJSON {
		return json.Marshal(inv)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"ArchiveId", "ArchiveDescription", "CreationDate", "Size", "SHA256TreeHash"})
	for _, a := range inv.ArchiveList {
		w.Write([]string{
			a.ArchiveID,
			a.ArchiveDescription,
			a.CreationDate.Format(time.RFC3339),
			strconv.FormatInt(a.Size, 10),
			a.SHA256TreeHash.String(),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
