package multipart

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
	"github.com/tbumi/glacier-upload/pkg/vault/blobvault"
)

const testVault = "backups"

// recordingVault wraps a vault client, records part uploads and injects
// failures.
type recordingVault struct {
	vault.Client

	mu      sync.Mutex
	offsets []int64
	// fail returns an error for a part upload at the given offset.
	fail map[int64]error
	// hold blocks part uploads at the given offset until the channel is
	// closed; started is closed when the upload arrives.
	hold    map[int64]chan struct{}
	started map[int64]chan struct{}
	// completeErr is returned by CompleteUpload when set.
	completeErr error
}

func (r *recordingVault) UploadPart(ctx context.Context, vaultName, uploadID string, rng vault.ByteRange, body io.Reader, hash treehash.Hash) (treehash.Hash, error) {
	r.mu.Lock()
	r.offsets = append(r.offsets, rng.Start)
	err := r.fail[rng.Start]
	hold := r.hold[rng.Start]
	started := r.started[rng.Start]
	r.mu.Unlock()

	if started != nil {
		close(started)
	}
	if hold != nil {
		<-hold
	}
	if err != nil {
		return treehash.Hash{}, err
	}
	return r.Client.UploadPart(ctx, vaultName, uploadID, rng, body, hash)
}

func (r *recordingVault) CompleteUpload(ctx context.Context, vaultName, uploadID string, size int64, hash treehash.Hash) (*vault.ArchiveResult, error) {
	if r.completeErr != nil {
		return nil, r.completeErr
	}
	return r.Client.CompleteUpload(ctx, vaultName, uploadID, size, hash)
}

func (r *recordingVault) sent() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.offsets)
	slices.Sort(out)
	return out
}

func newVault(t *testing.T) *blobvault.Service {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return blobvault.New(bucket)
}

func archiveOf(data []byte) *Archive {
	return NewArchive("data.bin", bytes.NewReader(data), int64(len(data)))
}

// startSession creates an upload with the given parts already confirmed.
func startSession(t *testing.T, svc vault.Client, data []byte, partSize int64, confirmed ...int) string {
	t.Helper()
	ctx := context.Background()
	id, err := svc.CreateUpload(ctx, testVault, partSize, "partial")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	plan := Plan{PartSize: partSize, Size: int64(len(data))}
	for _, i := range confirmed {
		p := plan.Part(i)
		b := data[p.Offset:p.End()]
		if _, err := svc.UploadPart(ctx, testVault, id, p.Range(), bytes.NewReader(b), treehash.Sum(b)); err != nil {
			t.Fatalf("UploadPart %d: %v", i, err)
		}
	}
	return id
}

func TestUpload(t *testing.T) {
	svc := newVault(t)
	data := testData(25 * mib)

	var session *Session
	res, err := Upload(context.Background(), svc, testVault, archiveOf(data), Options{
		PartSize:    8 * mib,
		Workers:     3,
		Description: "nightly",
		OnSession:   func(s *Session) { session = s },
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if res.ArchiveID == "" {
		t.Error("empty archive id")
	}
	if res.Hash != treehash.Sum(data) {
		t.Errorf("hash = %s, want %s", res.Hash, treehash.Sum(data))
	}
	if res.Size != int64(len(data)) || res.Parts != 4 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if session == nil || session != res.Session {
		t.Fatal("OnSession was not given the upload's session")
	}
	if session.State() != StateCompleted {
		t.Errorf("state = %s, want completed", session.State())
	}
	if session.ConfirmedBytes() != int64(len(data)) {
		t.Errorf("confirmed bytes = %d", session.ConfirmedBytes())
	}

	pending, err := ListPending(context.Background(), svc, testVault)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d uploads still pending", len(pending))
	}
}

func TestUploadEmptyArchive(t *testing.T) {
	svc := newVault(t)
	res, err := Upload(context.Background(), svc, testVault, archiveOf(nil), Options{PartSize: mib, Workers: 2})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Parts != 1 || res.Size != 0 {
		t.Errorf("result = %+v, want one empty part", res)
	}
	if res.Hash != treehash.Sum(nil) {
		t.Errorf("hash = %s, want %s", res.Hash, treehash.Sum(nil))
	}
}

func TestUploadStream(t *testing.T) {
	svc := newVault(t)
	data := testData(3*mib + 1)
	archive := NewStreamArchive("stdin", bytes.NewReader(data))

	res, err := Upload(context.Background(), svc, testVault, archive, Options{PartSize: mib, Workers: 2})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Parts != 4 || res.Size != int64(len(data)) || res.Hash != treehash.Sum(data) {
		t.Errorf("result = %+v", res)
	}
}

func TestResumeDispatchesOnlyMissingParts(t *testing.T) {
	svc := newVault(t)
	data := testData(25 * mib)
	id := startSession(t, svc, data, 8*mib, 0, 1)

	rec := &recordingVault{Client: svc}
	res, err := Upload(context.Background(), rec, testVault, archiveOf(data), Options{
		PartSize: 8 * mib,
		Workers:  4,
		UploadID: id,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if got, want := rec.sent(), []int64{16 * mib, 24 * mib}; !slices.Equal(got, want) {
		t.Errorf("sent offsets %v, want %v", got, want)
	}
	if res.Skipped != 2 || res.Parts != 4 {
		t.Errorf("result = %+v", res)
	}
	if res.Hash != treehash.Sum(data) {
		t.Errorf("hash = %s, want %s", res.Hash, treehash.Sum(data))
	}
}

func TestResumeAdoptsRecordedPartSize(t *testing.T) {
	svc := newVault(t)
	data := testData(5 * mib)
	id := startSession(t, svc, data, 2*mib, 1)

	res, err := Upload(context.Background(), svc, testVault, archiveOf(data), Options{Workers: 2, UploadID: id})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Session.PartSize != 2*mib || res.Parts != 3 || res.Skipped != 1 {
		t.Errorf("result = %+v, part size %d", res, res.Session.PartSize)
	}
}

func TestResumePartSizeMismatch(t *testing.T) {
	svc := newVault(t)
	data := testData(16 * mib)
	id := startSession(t, svc, data, 8*mib, 0)

	rec := &recordingVault{Client: svc}
	_, err := Upload(context.Background(), rec, testVault, archiveOf(data), Options{
		PartSize: 4 * mib,
		Workers:  2,
		UploadID: id,
	})

	var mismatch *vault.ResumeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *vault.ResumeMismatchError", err)
	}
	if mismatch.Recorded != 8*mib || mismatch.Planned != 4*mib || mismatch.UploadID != id {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if sent := rec.sent(); len(sent) != 0 {
		t.Errorf("parts sent despite mismatch: %v", sent)
	}
}

func TestResumeRejectsForeignParts(t *testing.T) {
	svc := newVault(t)
	data := testData(4 * mib)
	// A session whose confirmed part lies past the end of the archive.
	id := startSession(t, svc, testData(8*mib), 2*mib, 3)

	_, err := Upload(context.Background(), svc, testVault, archiveOf(data), Options{Workers: 1, UploadID: id})
	var mismatch *vault.ResumeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *vault.ResumeMismatchError", err)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	svc := newVault(t)
	_, err := Upload(context.Background(), svc, testVault, archiveOf(testData(mib)), Options{
		Workers:  1,
		UploadID: "no-such-upload",
	})
	var mismatch *vault.ResumeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *vault.ResumeMismatchError", err)
	}
}

func TestUploadPermanentFailureThenResume(t *testing.T) {
	svc := newVault(t)
	data := testData(4 * mib)
	denied := &vault.ValidationError{Field: "body", Reason: "rejected"}
	rec := &recordingVault{Client: svc, fail: map[int64]error{2 * mib: denied}}

	var session *Session
	_, err := Upload(context.Background(), rec, testVault, archiveOf(data), Options{
		PartSize:  mib,
		Workers:   1,
		Retry:     fastRetry(),
		OnSession: func(s *Session) { session = s },
	})

	var derr *vault.DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *vault.DispatchError", err)
	}
	if derr.PartIndex != 2 || derr.UploadID != session.ID || derr.Total != 4 {
		t.Errorf("dispatch error = %+v", derr)
	}
	if !errors.Is(err, denied) {
		t.Errorf("error does not wrap the part failure: %v", err)
	}
	if session.State() != StateAborted {
		t.Errorf("state = %s, want aborted", session.State())
	}

	pending, err := ListPending(context.Background(), svc, testVault)
	if err != nil || len(pending) != 1 || pending[0].UploadID != derr.UploadID {
		t.Fatalf("pending uploads = %+v, %v; want the aborted session", pending, err)
	}

	res, err := Upload(context.Background(), svc, testVault, archiveOf(data), Options{
		Workers:  2,
		UploadID: derr.UploadID,
	})
	if err != nil {
		t.Fatalf("resumed Upload: %v", err)
	}
	if res.Skipped != derr.Confirmed || res.Hash != treehash.Sum(data) {
		t.Errorf("resumed result = %+v, dispatch confirmed %d", res, derr.Confirmed)
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	svc := newVault(t)
	data := testData(2 * mib)
	flaky := &flakyOnce{recordingVault: recordingVault{Client: svc}, offset: mib}

	res, err := Upload(context.Background(), flaky, testVault, archiveOf(data), Options{
		PartSize: mib,
		Workers:  2,
		Retry:    fastRetry(),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Hash != treehash.Sum(data) {
		t.Errorf("hash = %s", res.Hash)
	}
	if got := flaky.sent(); !slices.Equal(got, []int64{0, mib, mib}) {
		t.Errorf("sent offsets %v, want part 1 twice", got)
	}
}

// flakyOnce fails the first upload of one part with a transient error.
type flakyOnce struct {
	recordingVault
	offset int64
	failed bool
}

func (f *flakyOnce) UploadPart(ctx context.Context, vaultName, uploadID string, rng vault.ByteRange, body io.Reader, hash treehash.Hash) (treehash.Hash, error) {
	f.mu.Lock()
	fail := rng.Start == f.offset && !f.failed
	if fail {
		f.failed = true
		f.offsets = append(f.offsets, rng.Start)
	}
	f.mu.Unlock()
	if fail {
		return treehash.Hash{}, vault.Transient(errors.New("connection reset"))
	}
	return f.recordingVault.UploadPart(ctx, vaultName, uploadID, rng, body, hash)
}

func TestUploadCancelled(t *testing.T) {
	svc := newVault(t)
	data := testData(4 * mib)
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recordingVault{
		Client:  svc,
		hold:    map[int64]chan struct{}{0: release},
		started: map[int64]chan struct{}{0: started},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Upload(ctx, rec, testVault, archiveOf(data), Options{PartSize: mib, Workers: 1})
		done <- err
	}()
	<-started
	cancel()
	close(release)

	err := <-done
	var derr *vault.DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *vault.DispatchError", err)
	}
	if derr.PartIndex != -1 || !errors.Is(err, context.Canceled) {
		t.Errorf("dispatch error = %+v", derr)
	}

	parts, partSize, err := ListParts(context.Background(), svc, testVault, derr.UploadID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if partSize != mib || len(parts) != derr.Confirmed || len(parts) == 0 {
		t.Errorf("remote parts %v (size %d), confirmed %d", parts, partSize, derr.Confirmed)
	}
}

func TestUploadFinalizeIntegrityError(t *testing.T) {
	svc := newVault(t)
	data := testData(2 * mib)
	rec := &recordingVault{
		Client:      svc,
		completeErr: &vault.IntegrityError{PartIndex: -1, Message: "Invalid tree hash"},
	}

	_, err := Upload(context.Background(), rec, testVault, archiveOf(data), Options{PartSize: mib, Workers: 2})
	var ierr *vault.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *vault.IntegrityError", err)
	}
	if ierr.UploadID == "" || ierr.PartIndex != -1 || ierr.Expected != treehash.Sum(data) {
		t.Errorf("integrity error = %+v", ierr)
	}

	// The session survives for a retry.
	parts, _, err := ListParts(context.Background(), svc, testVault, ierr.UploadID)
	if err != nil || len(parts) != 2 {
		t.Errorf("ListParts = %v, %v", parts, err)
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	tests := []struct {
		name  string
		vault string
		opts  Options
	}{
		{"no vault", "", Options{PartSize: mib, Workers: 1}},
		{"no workers", testVault, Options{PartSize: mib}},
		{"bad part size", testVault, Options{PartSize: 3 * mib, Workers: 1}},
		{"zero part size without resume", testVault, Options{Workers: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinator(nil, tt.vault, tt.opts)
			var verr *vault.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error = %v, want *vault.ValidationError", err)
			}
		})
	}

	if _, err := NewCoordinator(nil, testVault, Options{Workers: 1, UploadID: "x"}); err != nil {
		t.Errorf("resume without part size: %v", err)
	}
}

func TestAbort(t *testing.T) {
	svc := newVault(t)
	id := startSession(t, svc, testData(2*mib), mib, 0)

	if err := Abort(context.Background(), svc, testVault, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := Abort(context.Background(), svc, testVault, id); err != nil {
		t.Errorf("second Abort: %v", err)
	}
	if _, _, err := ListParts(context.Background(), svc, testVault, id); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("ListParts after abort = %v, want ErrNotFound", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateInit:        "init",
		StateDispatching: "dispatching",
		StateAborted:     "aborted",
		State(42):        "State(42)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
	if !StateCompleted.Terminal() || StateFinalizing.Terminal() {
		t.Error("Terminal is wrong")
	}
}
