package retrieval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
	"github.com/tbumi/glacier-upload/pkg/vault/blobvault"
)

const mib = 1 << 20

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// archiveJob stores data as an archive and returns a ready archive
// retrieval job for it.
func archiveJob(t *testing.T, data []byte) (*blobvault.Service, *vault.Job) {
	t.Helper()
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	svc := blobvault.New(bucket)

	const partSize = 4 * mib
	id, err := svc.CreateUpload(ctx, "photos", partSize, "test")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	for off := 0; off < len(data); off += partSize {
		part := data[off:min(off+partSize, len(data))]
		r := vault.ByteRange{Start: int64(off), End: int64(off+len(part)) - 1}
		if _, err := svc.UploadPart(ctx, "photos", id, r, bytes.NewReader(part), treehash.Sum(part)); err != nil {
			t.Fatalf("UploadPart: %v", err)
		}
	}
	res, err := svc.CompleteUpload(ctx, "photos", id, int64(len(data)), treehash.Sum(data))
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	jobID, err := svc.InitiateJob(ctx, "photos", vault.JobParameters{Kind: vault.JobArchive, ArchiveID: res.ArchiveID})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	job, err := svc.DescribeJob(ctx, "photos", jobID)
	if err != nil {
		t.Fatalf("DescribeJob: %v", err)
	}
	if job.Status != vault.JobReady {
		t.Fatalf("job status = %s, want ready", job.Status)
	}
	return svc, job
}

// memFile is an in-memory io.WriterAt.
type memFile struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

// faultyOutput wraps a client and interferes with GetJobOutput for
// selected chunk offsets.
type faultyOutput struct {
	vault.Client

	mu      sync.Mutex
	fetched []int64
	// corrupt flips a byte of the body the given number of times per
	// offset; fail returns the error for every request at an offset.
	corrupt map[int64]int
	fail    map[int64]error
}

func (f *faultyOutput) GetJobOutput(ctx context.Context, vaultName, jobID string, r *vault.ByteRange) (*vault.JobOutput, error) {
	var off int64
	if r != nil {
		off = r.Start
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, off)
	err := f.fail[off]
	corrupt := f.corrupt[off] > 0
	if corrupt {
		f.corrupt[off]--
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out, err := f.Client.GetJobOutput(ctx, vaultName, jobID, r)
	if err != nil || !corrupt {
		return out, err
	}
	data, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return nil, err
	}
	data[0] ^= 0xff
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

func (f *faultyOutput) offsets() map[int64]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]int)
	for _, off := range f.fetched {
		seen[off]++
	}
	return seen
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestDownload(t *testing.T) {
	data := testData(9*mib + 17)
	svc, job := archiveJob(t, data)

	var dst memFile
	var recorded []Chunk
	err := Download(context.Background(), svc, job, &dst, DownloadOptions{
		Workers:   3,
		ChunkSize: 2 * mib,
		OnChunk: func(c Chunk) error {
			recorded = append(recorded, c)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(dst.buf, data) {
		t.Fatal("downloaded data differs")
	}
	if len(recorded) != 5 {
		t.Errorf("recorded %d chunks, want 5", len(recorded))
	}
}

func TestDownloadRetriesCorruptChunk(t *testing.T) {
	data := testData(4 * mib)
	svc, job := archiveJob(t, data)
	client := &faultyOutput{Client: svc, corrupt: map[int64]int{mib: 1}}

	var dst memFile
	err := Download(context.Background(), client, job, &dst, DownloadOptions{
		Workers:   2,
		ChunkSize: mib,
		Retry:     fastRetry(),
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(dst.buf, data) {
		t.Fatal("downloaded data differs")
	}
	if got := client.offsets()[mib]; got != 2 {
		t.Errorf("chunk 1 fetched %d times, want 2", got)
	}
}

func TestDownloadCircuitBreaker(t *testing.T) {
	data := testData(8 * mib)
	svc, job := archiveJob(t, data)
	broken := errors.New("disk on fire")
	client := &faultyOutput{Client: svc, fail: map[int64]error{
		0: broken, mib: broken, 2 * mib: broken, 3 * mib: broken,
		4 * mib: broken, 5 * mib: broken, 6 * mib: broken, 7 * mib: broken,
	}}

	err := Download(context.Background(), client, job, &memFile{}, DownloadOptions{
		Workers:                1,
		ChunkSize:              mib,
		MaxConsecutiveFailures: 2,
	})
	var cb *CircuitBreakerError
	if !errors.As(err, &cb) {
		t.Fatalf("error = %v, want *CircuitBreakerError", err)
	}
	if cb.ConsecutiveFailures < 2 {
		t.Errorf("ConsecutiveFailures = %d, want >= 2", cb.ConsecutiveFailures)
	}
	if !errors.Is(err, broken) {
		t.Errorf("error does not wrap the chunk failure: %v", err)
	}
	if n := len(client.offsets()); n == 8 {
		t.Errorf("all chunks were attempted after the breaker tripped")
	}
}

func TestDownloadVerifiesWholeOutput(t *testing.T) {
	data := testData(3 * mib)
	svc, job := archiveJob(t, data)

	bad := *job
	bad.Hash = treehash.Sum([]byte("something else"))
	err := Download(context.Background(), svc, &bad, &memFile{}, DownloadOptions{ChunkSize: mib})
	var ierr *vault.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *vault.IntegrityError", err)
	}
	if ierr.PartIndex != -1 || ierr.Actual != job.Hash {
		t.Errorf("IntegrityError = %+v", ierr)
	}
}

func TestDownloadResume(t *testing.T) {
	data := testData(6*mib + 5)
	svc, job := archiveJob(t, data)
	out := filepath.Join(t.TempDir(), "restore.bin")

	f, err := os.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	pf, err := OpenProgress(out)
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	client := &faultyOutput{Client: svc, fail: map[int64]error{2 * mib: errors.New("gone")}}
	err = Download(context.Background(), client, job, f, DownloadOptions{
		Workers:                1,
		ChunkSize:              mib,
		MaxConsecutiveFailures: 1,
		OnChunk:                pf.Record,
	})
	if err == nil {
		t.Fatal("first attempt succeeded, want failure")
	}
	pf.Close()

	pf, err = OpenProgress(out)
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	done, err := pf.Load(job.Size, mib)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, idx := range []int{0, 1} {
		if _, ok := done[idx]; !ok {
			t.Fatalf("chunk %d not recorded: %v", idx, done)
		}
	}
	if _, ok := done[2]; ok {
		t.Fatal("failed chunk recorded")
	}

	client = &faultyOutput{Client: svc}
	err = Download(context.Background(), client, job, f, DownloadOptions{
		Workers:   2,
		ChunkSize: mib,
		Done:      done,
		OnChunk:   pf.Record,
	})
	if err != nil {
		t.Fatalf("resumed Download: %v", err)
	}
	for off := range client.offsets() {
		if _, skipped := done[int(off/mib)]; skipped {
			t.Errorf("chunk at %d fetched again", off)
		}
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed download differs")
	}
	if _, err := os.Stat(out + ProgressSuffix); !os.IsNotExist(err) {
		t.Errorf("progress file still present: %v", err)
	}
}

func TestProgressFileIgnoresOtherPlans(t *testing.T) {
	out := filepath.Join(t.TempDir(), "x")
	pf, err := OpenProgress(out)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	h := treehash.Sum([]byte("a"))
	pf.Record(Chunk{Index: 0, Range: vault.ByteRange{Start: 0, End: mib - 1}, Hash: h})
	pf.Record(Chunk{Index: 1, Range: vault.ByteRange{Start: 2 * mib, End: 4*mib - 1}, Hash: h})
	pf.f.WriteString("garbage line\n")

	done, err := pf.Load(3*mib, mib)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(done) != 1 || done[0] != h {
		t.Errorf("Load = %v, want only chunk 0", done)
	}
}

func TestStream(t *testing.T) {
	data := testData(5*mib + 3)
	svc, job := archiveJob(t, data)
	client := &faultyOutput{Client: svc, corrupt: map[int64]int{2 * mib: 1}}

	var buf bytes.Buffer
	err := Stream(context.Background(), client, job, &buf, DownloadOptions{
		ChunkSize: 2 * mib,
		Retry:     fastRetry(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("streamed data differs")
	}
}

func TestStreamInventory(t *testing.T) {
	data := testData(mib)
	svc, _ := archiveJob(t, data)
	ctx := context.Background()

	jobID, err := svc.InitiateJob(ctx, "photos", vault.JobParameters{Kind: vault.JobInventory})
	if err != nil {
		t.Fatalf("InitiateJob: %v", err)
	}
	job, err := svc.DescribeJob(ctx, "photos", jobID)
	if err != nil {
		t.Fatalf("DescribeJob: %v", err)
	}

	var buf bytes.Buffer
	if err := Stream(ctx, svc, job, &buf, DownloadOptions{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"ArchiveList"`)) {
		t.Errorf("inventory output = %s", buf.String())
	}
}

func TestDownloadRejectsPendingJob(t *testing.T) {
	err := Download(context.Background(), nil, &vault.Job{JobID: "j", Status: vault.JobPending}, &memFile{}, DownloadOptions{})
	if !errors.Is(err, vault.ErrJobNotReady) {
		t.Fatalf("error = %v, want ErrJobNotReady", err)
	}
}

func TestValidateChunkSize(t *testing.T) {
	for _, size := range []int64{mib, 2 * mib, 32 * mib, 1 << 30} {
		if err := ValidateChunkSize(size); err != nil {
			t.Errorf("ValidateChunkSize(%d) = %v", size, err)
		}
	}
	for _, size := range []int64{0, mib - 1, 3 * mib, 24 * mib} {
		if err := ValidateChunkSize(size); err == nil {
			t.Errorf("ValidateChunkSize(%d) = nil, want error", size)
		}
	}
}

func TestChunks(t *testing.T) {
	got := Chunks(5*mib+1, 2*mib)
	want := []vault.ByteRange{
		{Start: 0, End: 2*mib - 1},
		{Start: 2 * mib, End: 4*mib - 1},
		{Start: 4 * mib, End: 5 * mib},
	}
	if len(got) != len(want) {
		t.Fatalf("Chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
}
