package vault

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tbumi/glacier-upload/pkg/treehash"
)

// Client is the remote vault service. Implementations must be safe for
// concurrent use: part uploads for the same session are issued from
// several goroutines at once.
//
// Errors that are worth retrying are wrapped with [Transient]. A missing
// vault, session, archive or job is reported as [ErrNotFound].
type Client interface {
	// CreateUpload initiates a multipart upload and returns its id.
	CreateUpload(ctx context.Context, vault string, partSize int64, description string) (string, error)

	// UploadPart stores one part. The service verifies hash against the
	// received bytes and returns the tree hash it computed.
	UploadPart(ctx context.Context, vault, uploadID string, r ByteRange, body io.Reader, hash treehash.Hash) (treehash.Hash, error)

	// ListParts returns one page of confirmed parts. An empty marker
	// requests the first page; an empty Marker in the result means there
	// are no more pages.
	ListParts(ctx context.Context, vault, uploadID, marker string) (*PartList, error)

	// CompleteUpload assembles the archive. A tree hash mismatch is
	// reported as *IntegrityError.
	CompleteUpload(ctx context.Context, vault, uploadID string, size int64, hash treehash.Hash) (*ArchiveResult, error)

	// AbortUpload discards a multipart upload and all of its parts.
	AbortUpload(ctx context.Context, vault, uploadID string) error

	// ListUploads returns one page of in-progress multipart uploads.
	ListUploads(ctx context.Context, vault, marker string) (*UploadList, error)

	// InitiateJob starts an archive or inventory retrieval job.
	InitiateJob(ctx context.Context, vault string, params JobParameters) (string, error)

	// DescribeJob returns the current state of a job.
	DescribeJob(ctx context.Context, vault, jobID string) (*Job, error)

	// GetJobOutput opens the output of a completed job. A nil range
	// requests the whole output.
	GetJobOutput(ctx context.Context, vault, jobID string, r *ByteRange) (*JobOutput, error)

	// DeleteArchive removes an archive from the vault.
	DeleteArchive(ctx context.Context, vault, archiveID string) error
}

// ByteRange is an inclusive byte range, as used by Content-Range and the
// service's RangeInBytes fields.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// String formats the range as "start-end".
func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// MarshalText implements encoding.TextMarshaler.
func (r ByteRange) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ByteRange) UnmarshalText(text []byte) error {
	parsed, err := ParseByteRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseByteRange parses "start-end".
func ParseByteRange(s string) (ByteRange, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("vault: invalid range %q", s)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("vault: invalid range start %q: %w", s, err)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("vault: invalid range end %q: %w", s, err)
	}
	if end < start-1 {
		return ByteRange{}, fmt.Errorf("vault: invalid range %q: end before start", s)
	}
	return ByteRange{Start: start, End: end}, nil
}

// PartInfo describes a part confirmed by the service.
type PartInfo struct {
	Range ByteRange     `json:"RangeInBytes"`
	Hash  treehash.Hash `json:"SHA256TreeHash"`
}

// PartList is one page of parts of a multipart upload.
type PartList struct {
	UploadID    string
	Description string
	PartSize    int64
	CreatedAt   time.Time
	Parts       []PartInfo
	Marker      string
}

// Upload describes an in-progress multipart upload.
type Upload struct {
	UploadID    string    `json:"MultipartUploadId"`
	Description string    `json:"ArchiveDescription"`
	PartSize    int64     `json:"PartSizeInBytes"`
	CreatedAt   time.Time `json:"CreationDate"`
}

// UploadList is one page of in-progress uploads.
type UploadList struct {
	Uploads []Upload
	Marker  string
}

// ArchiveResult is returned when a multipart upload completes.
type ArchiveResult struct {
	ArchiveID string
	Location  string
	Hash      treehash.Hash
}

// JobKind distinguishes archive and inventory retrievals.
type JobKind string

const (
	// JobArchive retrieves the bytes of one archive.
	JobArchive JobKind = "archive-retrieval"
	// JobInventory retrieves the list of archives in a vault.
	JobInventory JobKind = "inventory-retrieval"
)

// Action returns the service's name for the job kind.
func (k JobKind) Action() string {
	switch k {
	case JobArchive:
		return "ArchiveRetrieval"
	case JobInventory:
		return "InventoryRetrieval"
	default:
		return string(k)
	}
}

// KindFromAction maps a service action name back to a JobKind.
func KindFromAction(action string) JobKind {
	switch action {
	case "ArchiveRetrieval":
		return JobArchive
	case "InventoryRetrieval":
		return JobInventory
	default:
		return JobKind(action)
	}
}

// Retrieval tiers.
const (
	TierExpedited = "Expedited"
	TierStandard  = "Standard"
	TierBulk      = "Bulk"
)

// Inventory formats.
const (
	FormatJSON = "JSON"
	FormatCSV  = "CSV"
)

// JobParameters configures a retrieval job.
type JobParameters struct {
	Kind        JobKind
	ArchiveID   string // archive jobs only
	Format      string // inventory jobs only
	Tier        string // archive jobs only
	Description string
}

// Validate checks that the parameters are consistent with Kind.
func (p JobParameters) Validate() error {
	switch p.Kind {
	case JobArchive:
		if p.ArchiveID == "" {
			return &ValidationError{Field: "archive_id", Reason: "required for archive retrieval"}
		}
		switch p.Tier {
		case "", TierExpedited, TierStandard, TierBulk:
		default:
			return &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", p.Tier)}
		}
	case JobInventory:
		switch p.Format {
		case "", FormatJSON, FormatCSV:
		default:
			return &ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", p.Format)}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", p.Kind)}
	}
	return nil
}

// JobStatus is the lifecycle state of a retrieval job.
type JobStatus string

const (
	JobPending JobStatus = "InProgress"
	JobReady   JobStatus = "Succeeded"
	JobFailed  JobStatus = "Failed"
)

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool {
	return s == JobReady || s == JobFailed
}

// Job describes a retrieval job.
type Job struct {
	JobID         string
	Kind          JobKind
	Vault         string
	Status        JobStatus
	StatusMessage string
	Description   string
	ArchiveID     string
	// Size is the size of the job output in bytes, when known.
	Size      int64
	Hash      treehash.Hash
	Format    string
	Tier      string
	CreatedAt time.Time
	// CompletedAt is zero until the job reaches a terminal state.
	CompletedAt time.Time
}

// JobOutput is an open stream of job output. The caller must close Body.
type JobOutput struct {
	Body        io.ReadCloser
	ContentType string
	// Range is the range actually returned, if one was requested.
	Range *ByteRange
	// Hash is the tree hash of the returned bytes when the service
	// provides one (whole output, or a range aligned to 1 MiB).
	Hash treehash.Hash
}

// Inventory is the JSON document produced by an inventory job.
type Inventory struct {
	VaultARN      string             `json:"VaultARN"`
	InventoryDate time.Time          `json:"InventoryDate"`
	ArchiveList   []InventoryArchive `json:"ArchiveList"`
}

// InventoryArchive is one archive entry of an inventory.
type InventoryArchive struct {
	ArchiveID          string        `json:"ArchiveId"`
	ArchiveDescription string        `json:"ArchiveDescription"`
	CreationDate       time.Time     `json:"CreationDate"`
	Size               int64         `json:"Size"`
	SHA256TreeHash     treehash.Hash `json:"SHA256TreeHash"`
}

// ListAllUploads pages through ListUploads.
func ListAllUploads(ctx context.Context, c Client, vault string) ([]Upload, error) {
	var uploads []Upload
	marker := ""
	for {
		page, err := c.ListUploads(ctx, vault, marker)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, page.Uploads...)
		if page.Marker == "" {
			return uploads, nil
		}
		marker = page.Marker
	}
}

// ListAllParts pages through ListParts. The returned list carries the
// session metadata from the first page and every part.
func ListAllParts(ctx context.Context, c Client, vault, uploadID string) (*PartList, error) {
	var all *PartList
	marker := ""
	for {
		page, err := c.ListParts(ctx, vault, uploadID, marker)
		if err != nil {
			return nil, err
		}
		if all == nil {
			all = &PartList{
				UploadID:    page.UploadID,
				Description: page.Description,
				PartSize:    page.PartSize,
				CreatedAt:   page.CreatedAt,
			}
		}
		all.Parts = append(all.Parts, page.Parts...)
		if page.Marker == "" {
			return all, nil
		}
		marker = page.Marker
	}
}
