package httpvault

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Request and response headers of the REST API.
const (
	hdrAPIVersion   = "x-amz-glacier-version"
	hdrUploadID     = "x-amz-multipart-upload-id"
	hdrPartSize     = "x-amz-part-size"
	hdrDescription  = "x-amz-archive-description"
	hdrTreeHash     = "x-amz-sha256-tree-hash"
	hdrContentSHA   = "x-amz-content-sha256"
	hdrArchiveSize  = "x-amz-archive-size"
	hdrArchiveID    = "x-amz-archive-id"
	hdrJobID        = "x-amz-job-id"
	apiVersion      = "2012-06-01"
	defaultAccount  = "-"
	jsonContentType = "application/json"
)

// Error codes of the REST API.
const (
	codeNotFound     = "ResourceNotFoundException"
	codeInvalidParam = "InvalidParameterValueException"
	codeMissingParam = "MissingParameterValueException"
	codeThrottled    = "ThrottlingException"
	codeUnavailable  = "ServiceUnavailableException"
	codeTimeout      = "RequestTimeoutException"
)

// Message prefixes that refine InvalidParameterValueException.
const (
	msgTreeHash = "Invalid tree hash"
	msgNotReady = "The job is not currently available for download"
	msgFailed   = "The job failed"
)

// errorBody is the JSON body of an error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type partListBody struct {
	ArchiveDescription string           `json:"ArchiveDescription"`
	CreationDate       time.Time        `json:"CreationDate"`
	Marker             *string          `json:"Marker"`
	MultipartUploadID  string           `json:"MultipartUploadId"`
	PartSizeInBytes    int64            `json:"PartSizeInBytes"`
	Parts              []vault.PartInfo `json:"Parts"`
	VaultARN           string           `json:"VaultARN"`
}

type uploadListBody struct {
	Marker      *string        `json:"Marker"`
	UploadsList []vault.Upload `json:"UploadsList"`
}

type jobRequest struct {
	Type        string `json:"Type"`
	ArchiveID   string `json:"ArchiveId,omitempty"`
	Description string `json:"Description,omitempty"`
	Format      string `json:"Format,omitempty"`
	Tier        string `json:"Tier,omitempty"`
}

type inventoryParams struct {
	Format string `json:"Format"`
}

type jobBody struct {
	Action                       string           `json:"Action"`
	ArchiveID                    string           `json:"ArchiveId,omitempty"`
	ArchiveSizeInBytes           *int64           `json:"ArchiveSizeInBytes,omitempty"`
	ArchiveSHA256TreeHash        string           `json:"ArchiveSHA256TreeHash,omitempty"`
	Completed                    bool             `json:"Completed"`
	CompletionDate               *time.Time       `json:"CompletionDate,omitempty"`
	CreationDate                 time.Time        `json:"CreationDate"`
	InventorySizeInBytes         *int64           `json:"InventorySizeInBytes,omitempty"`
	JobDescription               string           `json:"JobDescription,omitempty"`
	JobID                        string           `json:"JobId"`
	SHA256TreeHash               string           `json:"SHA256TreeHash,omitempty"`
	StatusCode                   string           `json:"StatusCode"`
	StatusMessage                string           `json:"StatusMessage,omitempty"`
	Tier                         string           `json:"Tier,omitempty"`
	VaultARN                     string           `json:"VaultARN"`
	InventoryRetrievalParameters *inventoryParams `json:"InventoryRetrievalParameters,omitempty"`
}

func marker(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefMarker(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// statusError converts an error response into a vault error.
func statusError(status int, body errorBody, jobID string) error {
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	detail := fmt.Errorf("httpvault: %d %s: %s", status, body.Code, msg)

	switch {
	case status == http.StatusNotFound || body.Code == codeNotFound:
		return fmt.Errorf("%w: %v", vault.ErrNotFound, detail)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500,
		body.Code == codeThrottled, body.Code == codeTimeout, body.Code == codeUnavailable:
		return vault.Transient(detail)
	case strings.HasPrefix(msg, msgTreeHash):
		return &vault.IntegrityError{PartIndex: -1, Message: msg}
	case strings.HasPrefix(msg, msgNotReady):
		return fmt.Errorf("%w: %v", vault.ErrJobNotReady, detail)
	case strings.HasPrefix(msg, msgFailed):
		reason := strings.TrimPrefix(strings.TrimPrefix(msg, msgFailed), ": ")
		return &vault.JobFailedError{JobID: jobID, Reason: reason}
	case status == http.StatusBadRequest:
		return &vault.ValidationError{Field: "request", Reason: msg}
	default:
		return detail
	}
}

// errorResponse maps a vault error to a status code and error body.
func errorResponse(err error) (int, errorBody) {
	var (
		verr *vault.ValidationError
		ierr *vault.IntegrityError
		jerr *vault.JobFailedError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Code: codeInvalidParam, Message: verr.Error(), Type: "Client"}
	case errors.As(err, &ierr):
		return http.StatusBadRequest, errorBody{Code: codeInvalidParam, Message: msgTreeHash + ": " + ierr.Error(), Type: "Client"}
	case errors.As(err, &jerr):
		return http.StatusBadRequest, errorBody{Code: codeInvalidParam, Message: msgFailed + ": " + jerr.Reason, Type: "Client"}
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: codeNotFound, Message: err.Error(), Type: "Client"}
	case errors.Is(err, vault.ErrJobNotReady):
		return http.StatusBadRequest, errorBody{Code: codeInvalidParam, Message: msgNotReady, Type: "Client"}
	case vault.IsTransient(err):
		return http.StatusServiceUnavailable, errorBody{Code: codeUnavailable, Message: err.Error(), Type: "Server"}
	default:
		return http.StatusInternalServerError, errorBody{Code: codeUnavailable, Message: err.Error(), Type: "Server"}
	}
}

// contentRange formats a Content-Range header; total < 0 means unknown.
func contentRange(r vault.ByteRange, total int64) string {
	t := "*"
	if total >= 0 {
		t = strconv.FormatInt(total, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.Start, r.End, t)
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	rng, tot, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	r, err := vault.ParseByteRange(rng)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %w", err)
	}

	total = -1
	if tot != "*" {
		total, err = strconv.ParseInt(tot, 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}
	return r.Start, r.End, total, nil
}

// parseRangeHeader parses a request Range header of the form
// "bytes=start-end".
func parseRangeHeader(h string) (*vault.ByteRange, error) {
	if h == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return nil, &vault.ValidationError{Field: "Range", Reason: fmt.Sprintf("unsupported unit in %q", h)}
	}
	r, err := vault.ParseByteRange(spec)
	if err != nil {
		return nil, &vault.ValidationError{Field: "Range", Reason: err.Error()}
	}
	return &r, nil
}
