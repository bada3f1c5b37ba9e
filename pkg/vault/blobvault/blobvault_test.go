package blobvault

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/tbumi/glacier-upload/internal/clock"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

const mib = 1 << 20

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestService(t *testing.T, options ...Option) (*Service, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return New(bucket, options...), bucket
}

// uploadAll stores data in parts of partSize and returns the upload id.
func uploadAll(t *testing.T, svc *Service, vaultName string, data []byte, partSize int64) string {
	t.Helper()
	ctx := context.Background()
	id, err := svc.CreateUpload(ctx, vaultName, partSize, "test archive")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	for off := int64(0); off < int64(len(data)) || off == 0; off += partSize {
		end := min(off+partSize, int64(len(data)))
		part := data[off:end]
		r := vault.ByteRange{Start: off, End: end - 1}
		if _, err := svc.UploadPart(ctx, vaultName, id, r, bytes.NewReader(part), treehash.Sum(part)); err != nil {
			t.Fatalf("UploadPart %s: %v", r, err)
		}
		if len(data) == 0 {
			break
		}
	}
	return id
}

func TestUploadAndRetrieveArchive(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, WithClock(fake), WithRetrievalDelay(4*time.Hour))

	data := testData(5*mib + 123)
	id := uploadAll(t, svc, "photos", data, 2*mib)

	res, err := svc.CompleteUpload(ctx, "photos", id, int64(len(data)), treehash.Sum(data))
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if res.ArchiveID == "" {
		t.Fatal("empty archive id")
	}
	if res.Hash != treehash.Sum(data) {
		t.Fatalf("archive hash = %s, want %s", res.Hash, treehash.Sum(data))
	}

	jobID, err := svc.InitiateJob(ctx, "photos", vault.JobParameters{Kind: vault.JobArchive, ArchiveID: res.ArchiveID})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	job, err := svc.DescribeJob(ctx, "photos", jobID)
	if err != nil {
		t.Fatalf("DescribeJob: %v", err)
	}
	if job.Status != vault.JobPending {
		t.Fatalf("status = %s, want %s", job.Status, vault.JobPending)
	}
	if _, err := svc.GetJobOutput(ctx, "photos", jobID, nil); !errors.Is(err, vault.ErrJobNotReady) {
		t.Fatalf("GetJobOutput before ready: %v, want ErrJobNotReady", err)
	}

	fake.Advance(4 * time.Hour)

	job, err = svc.DescribeJob(ctx, "photos", jobID)
	if err != nil {
		t.Fatalf("DescribeJob: %v", err)
	}
	if job.Status != vault.JobReady {
		t.Fatalf("status = %s, want %s", job.Status, vault.JobReady)
	}
	if job.Size != int64(len(data)) || job.Tier != vault.TierStandard {
		t.Fatalf("job = %+v", job)
	}

	out, err := svc.GetJobOutput(ctx, "photos", jobID, nil)
	if err != nil {
		t.Fatalf("GetJobOutput: %v", err)
	}
	got, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("output differs from uploaded data (%d vs %d bytes)", len(got), len(data))
	}
	if out.Hash != treehash.Sum(data) {
		t.Fatalf("output hash = %s", out.Hash)
	}
}

func TestGetJobOutputRanges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	data := testData(6*mib + 500)
	id := uploadAll(t, svc, "v", data, 2*mib)
	res, err := svc.CompleteUpload(ctx, "v", id, int64(len(data)), treehash.Sum(data))
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	jobID, err := svc.InitiateJob(ctx, "v", vault.JobParameters{Kind: vault.JobArchive, ArchiveID: res.ArchiveID})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	tests := []struct {
		name     string
		r        vault.ByteRange
		wantHash bool
	}{
		{"first part", vault.ByteRange{Start: 0, End: 2*mib - 1}, true},
		{"across parts, leaf aligned", vault.ByteRange{Start: mib, End: 4*mib - 1}, true},
		{"tail", vault.ByteRange{Start: 6 * mib, End: int64(len(data)) - 1}, true},
		{"unaligned", vault.ByteRange{Start: 10, End: 3 * mib}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.r
			out, err := svc.GetJobOutput(ctx, "v", jobID, &r)
			if err != nil {
				t.Fatalf("GetJobOutput: %v", err)
			}
			defer out.Body.Close()
			got, err := io.ReadAll(out.Body)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			want := data[r.Start : r.End+1]
			if !bytes.Equal(got, want) {
				t.Fatalf("range %s: got %d bytes, want %d", r, len(got), len(want))
			}
			if tt.wantHash {
				if out.Hash != treehash.Sum(want) {
					t.Fatalf("range hash = %s, want %s", out.Hash, treehash.Sum(want))
				}
			} else if !out.Hash.IsZero() {
				t.Fatalf("unexpected hash for unaligned range")
			}
		})
	}

	bad := vault.ByteRange{Start: 0, End: int64(len(data))}
	var verr *vault.ValidationError
	if _, err := svc.GetJobOutput(ctx, "v", jobID, &bad); !errors.As(err, &verr) {
		t.Fatalf("out of bounds range: %v, want ValidationError", err)
	}
}

func TestUploadPartRejectsBadHash(t *testing.T) {
	ctx := context.Background()
	svc, bucket := newTestService(t)

	id, err := svc.CreateUpload(ctx, "v", mib, "")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	part := testData(mib)
	_, err = svc.UploadPart(ctx, "v", id, vault.ByteRange{Start: 0, End: mib - 1}, bytes.NewReader(part), treehash.Sum([]byte("other")))

	var ierr *vault.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("UploadPart: %v, want IntegrityError", err)
	}
	if ierr.PartIndex != 0 || ierr.Actual != treehash.Sum(part) {
		t.Fatalf("IntegrityError = %+v", ierr)
	}

	if ok, _ := bucket.Exists(ctx, uploadPrefix("v", id)+partObject(0)); ok {
		t.Fatal("part with bad hash was committed")
	}
}

func TestUploadPartValidatesRange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id, err := svc.CreateUpload(ctx, "v", mib, "")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	tests := []struct {
		name string
		r    vault.ByteRange
		body []byte
	}{
		{"unaligned start", vault.ByteRange{Start: 10, End: 19}, testData(10)},
		{"longer than part size", vault.ByteRange{Start: 0, End: 2*mib - 1}, testData(2 * mib)},
		{"short body", vault.ByteRange{Start: 0, End: 99}, testData(50)},
		{"long body", vault.ByteRange{Start: 0, End: 49}, testData(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UploadPart(ctx, "v", id, tt.r, bytes.NewReader(tt.body), treehash.Sum(tt.body))
			var verr *vault.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("UploadPart: %v, want ValidationError", err)
			}
		})
	}
}

func TestCompleteUploadChecks(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	data := testData(3 * mib)

	t.Run("hash mismatch keeps session", func(t *testing.T) {
		id := uploadAll(t, svc, "v", data, mib)
		_, err := svc.CompleteUpload(ctx, "v", id, int64(len(data)), treehash.Sum([]byte("wrong")))
		var ierr *vault.IntegrityError
		if !errors.As(err, &ierr) || ierr.PartIndex != -1 {
			t.Fatalf("CompleteUpload: %v, want archive IntegrityError", err)
		}
		list, err := svc.ListParts(ctx, "v", id, "")
		if err != nil {
			t.Fatalf("ListParts after mismatch: %v", err)
		}
		if len(list.Parts) != 3 {
			t.Fatalf("parts = %d, want 3", len(list.Parts))
		}
	})

	t.Run("gap", func(t *testing.T) {
		id, err := svc.CreateUpload(ctx, "v", mib, "")
		if err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		for _, start := range []int64{0, 2 * mib} {
			part := data[start : start+mib]
			r := vault.ByteRange{Start: start, End: start + mib - 1}
			if _, err := svc.UploadPart(ctx, "v", id, r, bytes.NewReader(part), treehash.Sum(part)); err != nil {
				t.Fatalf("UploadPart: %v", err)
			}
		}
		_, err = svc.CompleteUpload(ctx, "v", id, int64(len(data)), treehash.Sum(data))
		var verr *vault.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("CompleteUpload with gap: %v, want ValidationError", err)
		}
	})

	t.Run("empty archive", func(t *testing.T) {
		id := uploadAll(t, svc, "v", nil, mib)
		res, err := svc.CompleteUpload(ctx, "v", id, 0, treehash.Empty)
		if err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		if res.Hash != treehash.Empty {
			t.Fatalf("hash = %s, want %s", res.Hash, treehash.Empty)
		}
	})
}

func TestListPartsPagination(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, WithPageSize(2))
	data := testData(5 * mib)
	id := uploadAll(t, svc, "v", data, mib)

	list, err := vault.ListAllParts(ctx, svc, "v", id)
	if err != nil {
		t.Fatalf("ListAllParts: %v", err)
	}
	if len(list.Parts) != 5 {
		t.Fatalf("parts = %d, want 5", len(list.Parts))
	}
	if list.PartSize != mib || list.Description != "test archive" {
		t.Fatalf("list = %+v", list)
	}
	for i, p := range list.Parts {
		if p.Range.Start != int64(i)*mib {
			t.Errorf("part %d starts at %d", i, p.Range.Start)
		}
		want := treehash.Sum(data[int64(i)*mib : int64(i+1)*mib])
		if p.Hash != want {
			t.Errorf("part %d hash = %s, want %s", i, p.Hash, want)
		}
	}
}

func TestListUploadsAndAbort(t *testing.T) {
	ctx := context.Background()
	svc, bucket := newTestService(t, WithPageSize(1))

	a := uploadAll(t, svc, "v", testData(mib), mib)
	b := uploadAll(t, svc, "v", testData(2*mib), mib)
	done := uploadAll(t, svc, "v", testData(mib), mib)
	if _, err := svc.CompleteUpload(ctx, "v", done, mib, treehash.Sum(testData(mib))); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	uploads, err := vault.ListAllUploads(ctx, svc, "v")
	if err != nil {
		t.Fatalf("ListAllUploads: %v", err)
	}
	ids := map[string]bool{}
	for _, u := range uploads {
		ids[u.UploadID] = true
	}
	if len(ids) != 2 || !ids[a] || !ids[b] {
		t.Fatalf("uploads = %v, want %s and %s", ids, a, b)
	}

	if err := svc.AbortUpload(ctx, "v", a); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if _, err := svc.ListParts(ctx, "v", a, ""); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("ListParts after abort: %v, want ErrNotFound", err)
	}
	if ok, _ := bucket.Exists(ctx, uploadPrefix("v", a)+partObject(0)); ok {
		t.Fatal("part survived abort")
	}
	if err := svc.AbortUpload(ctx, "v", a); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("second AbortUpload: %v, want ErrNotFound", err)
	}
}

func TestInventoryFormats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var archives []string
	for _, size := range []int{mib, 3 * mib / 2} {
		data := testData(size)
		id := uploadAll(t, svc, "v", data, mib)
		res, err := svc.CompleteUpload(ctx, "v", id, int64(size), treehash.Sum(data))
		if err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		archives = append(archives, res.ArchiveID)
	}

	t.Run("json", func(t *testing.T) {
		jobID, err := svc.InitiateJob(ctx, "v", vault.JobParameters{Kind: vault.JobInventory})
		if err != nil {
			t.Fatalf("InitiateJob: %v", err)
		}
		out, err := svc.GetJobOutput(ctx, "v", jobID, nil)
		if err != nil {
			t.Fatalf("GetJobOutput: %v", err)
		}
		defer out.Body.Close()

		var inv vault.Inventory
		if err := json.NewDecoder(out.Body).Decode(&inv); err != nil {
			t.Fatalf("decode inventory: %v", err)
		}
		if len(inv.ArchiveList) != 2 {
			t.Fatalf("archives = %d, want 2", len(inv.ArchiveList))
		}
		found := map[string]int64{}
		for _, a := range inv.ArchiveList {
			found[a.ArchiveID] = a.Size
		}
		if found[archives[0]] != mib || found[archives[1]] != 3*mib/2 {
			t.Fatalf("inventory sizes = %v", found)
		}
	})

	t.Run("csv", func(t *testing.T) {
		jobID, err := svc.InitiateJob(ctx, "v", vault.JobParameters{Kind: vault.JobInventory, Format: vault.FormatCSV})
		if err != nil {
			t.Fatalf("InitiateJob: %v", err)
		}
		out, err := svc.GetJobOutput(ctx, "v", jobID, nil)
		if err != nil {
			t.Fatalf("GetJobOutput: %v", err)
		}
		defer out.Body.Close()
		if out.ContentType != "text/csv" {
			t.Fatalf("content type = %q", out.ContentType)
		}

		records, err := csv.NewReader(out.Body).ReadAll()
		if err != nil {
			t.Fatalf("parse csv: %v", err)
		}
		if len(records) != 3 || records[0][0] != "ArchiveId" {
			t.Fatalf("records = %v", records)
		}
	})
}

func TestDeleteArchive(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, WithClock(fake), WithRetrievalDelay(time.Hour))

	data := testData(2 * mib)
	id := uploadAll(t, svc, "v", data, mib)
	res, err := svc.CompleteUpload(ctx, "v", id, int64(len(data)), treehash.Sum(data))
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	jobID, err := svc.InitiateJob(ctx, "v", vault.JobParameters{Kind: vault.JobArchive, ArchiveID: res.ArchiveID})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}

	if err := svc.DeleteArchive(ctx, "v", res.ArchiveID); err != nil {
		t.Fatalf("DeleteArchive: %v", err)
	}
	if err := svc.DeleteArchive(ctx, "v", res.ArchiveID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("second DeleteArchive: %v, want ErrNotFound", err)
	}
	if _, err := svc.InitiateJob(ctx, "v", vault.JobParameters{Kind: vault.JobArchive, ArchiveID: res.ArchiveID}); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("InitiateJob for deleted archive: %v, want ErrNotFound", err)
	}

	fake.Advance(time.Hour)
	job, err := svc.DescribeJob(ctx, "v", jobID)
	if err != nil {
		t.Fatalf("DescribeJob: %v", err)
	}
	if job.Status != vault.JobFailed {
		t.Fatalf("status = %s, want %s", job.Status, vault.JobFailed)
	}
	var jerr *vault.JobFailedError
	if _, err := svc.GetJobOutput(ctx, "v", jobID, nil); !errors.As(err, &jerr) {
		t.Fatalf("GetJobOutput: %v, want JobFailedError", err)
	}
}

func TestMissingResources(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.ListParts(ctx, "v", "nope", ""); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("ListParts: %v", err)
	}
	if _, err := svc.DescribeJob(ctx, "v", "nope"); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("DescribeJob: %v", err)
	}
	if _, err := svc.CreateUpload(ctx, "a/b", mib, ""); err == nil {
		t.Error("CreateUpload accepted a vault name with a slash")
	}
	if _, err := svc.CreateUpload(ctx, "v", 3*mib, ""); err == nil {
		t.Error("CreateUpload accepted a part size that is not a power of two")
	}
}

func TestMapError(t *testing.T) {
	_, bucket := newTestService(t)
	_, missing := bucket.ReadAll(context.Background(), "no/such/key")

	tests := []struct {
		name      string
		err       error
		code      gcerrors.ErrorCode
		notFound  bool
		transient bool
	}{
		{"not found", missing, gcerrors.NotFound, true, false},
		{"deadline exceeded", fmt.Errorf("read: %w", context.DeadlineExceeded), gcerrors.DeadlineExceeded, false, true},
		{"canceled", context.Canceled, gcerrors.Canceled, false, false},
		{"unknown", errors.New("boom"), gcerrors.Unknown, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := gcerrors.Code(tt.err); code != tt.code {
				t.Fatalf("gcerrors.Code = %v, want %v", code, tt.code)
			}
			err := mapError(tt.err)
			if got := errors.Is(err, vault.ErrNotFound); got != tt.notFound {
				t.Errorf("mapError(%v) not found = %v, want %v", tt.err, got, tt.notFound)
			}
			if got := vault.IsTransient(err); got != tt.transient {
				t.Errorf("mapError(%v) transient = %v, want %v", tt.err, got, tt.transient)
			}
			if !errors.Is(err, tt.err) && !tt.notFound {
				t.Errorf("mapError(%v) = %v, lost the cause", tt.err, err)
			}
		})
	}
}
