package httpvault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Options configures the REST client.
type Options struct {
	// AccountID is the account path segment. Default: "-"
	AccountID string

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout bounds the wait for response headers. Bodies of part
	// uploads and job output may take longer.
	// Default: 60s
	Timeout time.Duration

	// PageLimit is the number of entries requested per list page; 0
	// leaves it to the server.
	PageLimit int

	// Transport overrides the HTTP transport, for example to sign
	// requests.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		AccountID:           defaultAccount,
		MaxIdleConnsPerHost: 100,
		Timeout:             60 * time.Second,
	}
}

// Client is a vault.Client speaking the Glacier REST API. It does not
// retry: failures worth retrying are returned as vault.TransientError
// for the caller's retry policy.
type Client struct {
	client *http.Client
	base   *url.URL
	opts   Options
	logger *slog.Logger
}

var _ vault.Client = (*Client)(nil)

// NewClient returns a client for the service at endpoint.
func NewClient(endpoint string, opts Options) (*Client, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("httpvault: parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, &vault.ValidationError{Field: "vault_url", Reason: fmt.Sprintf("unsupported scheme %q", base.Scheme)}
	}

	d := DefaultOptions()
	if opts.AccountID == "" {
		opts.AccountID = d.AccountID
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
			MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: opts.Timeout,
			DisableCompression:    true, // tree hashes cover the raw bytes
		}
	}

	return &Client{
		client: &http.Client{Transport: transport},
		base:   base,
		opts:   opts,
		logger: logger,
	}, nil
}

func (c *Client) vaultPath(vaultName string, elem ...string) string {
	return path.Join(append([]string{"/", c.base.Path, c.opts.AccountID, "vaults", vaultName}, elem...)...)
}

type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   io.Reader
	length int64
	jobID  string // for JobFailedError
}

// do sends req and returns the response if its status is one of want.
// Otherwise the error body is decoded and mapped to a vault error.
func (c *Client) do(ctx context.Context, req request, want ...int) (*http.Response, error) {
	u := *c.base
	u.Path = req.path
	u.RawQuery = req.query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), req.body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set(hdrAPIVersion, apiVersion)
	if req.body != nil {
		httpReq.ContentLength = req.length
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, vault.Transient(fmt.Errorf("httpvault: %s %s: %w", req.method, req.path, err))
	}

	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()

	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			body.Message = string(data)
		}
	}
	err = statusError(resp.StatusCode, body, req.jobID)
	c.logger.Debug("request failed", "method", req.method, "path", req.path, "status", resp.StatusCode, "error", err)
	return nil, err
}

func (c *Client) doJSON(ctx context.Context, req request, out any) error {
	resp, err := c.do(ctx, req, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return vault.Transient(fmt.Errorf("httpvault: decode %s response: %w", req.path, err))
	}
	return nil
}

func (c *Client) pageQuery(marker string) url.Values {
	q := url.Values{}
	if marker != "" {
		q.Set("marker", marker)
	}
	if c.opts.PageLimit > 0 {
		q.Set("limit", strconv.Itoa(c.opts.PageLimit))
	}
	return q
}

// CreateUpload implements vault.Client.
func (c *Client) CreateUpload(ctx context.Context, vaultName string, partSize int64, description string) (string, error) {
	h := http.Header{}
	h.Set(hdrPartSize, strconv.FormatInt(partSize, 10))
	if description != "" {
		h.Set(hdrDescription, description)
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.vaultPath(vaultName, "multipart-uploads"),
		header: h,
	}, http.StatusCreated)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	id := resp.Header.Get(hdrUploadID)
	if id == "" {
		return "", fmt.Errorf("httpvault: response has no %s header", hdrUploadID)
	}
	return id, nil
}

// UploadPart implements vault.Client. body is buffered to compute the
// linear SHA-256 the service requires alongside the tree hash.
func (c *Client) UploadPart(ctx context.Context, vaultName, uploadID string, r vault.ByteRange, body io.Reader, hash treehash.Hash) (treehash.Hash, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return treehash.Hash{}, fmt.Errorf("httpvault: read part body: %w", err)
	}
	sum := sha256.Sum256(data)

	h := http.Header{}
	h.Set("Content-Range", contentRange(r, -1))
	h.Set("Content-Type", "application/octet-stream")
	h.Set(hdrTreeHash, hash.String())
	h.Set(hdrContentSHA, hex.EncodeToString(sum[:]))

	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		path:   c.vaultPath(vaultName, "multipart-uploads", uploadID),
		header: h,
		body:   bytes.NewReader(data),
		length: int64(len(data)),
	}, http.StatusNoContent, http.StatusOK)
	if err != nil {
		var ierr *vault.IntegrityError
		if errors.As(err, &ierr) {
			ierr.UploadID = uploadID
			ierr.PartIndex = -1
			ierr.Expected = hash
		}
		return treehash.Hash{}, err
	}
	resp.Body.Close()

	got, err := treehash.Parse(resp.Header.Get(hdrTreeHash))
	if err != nil {
		return treehash.Hash{}, vault.Transient(fmt.Errorf("httpvault: part %s: %w", r, err))
	}
	return got, nil
}

// ListParts implements vault.Client.
func (c *Client) ListParts(ctx context.Context, vaultName, uploadID, marker string) (*vault.PartList, error) {
	var body partListBody
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   c.vaultPath(vaultName, "multipart-uploads", uploadID),
		query:  c.pageQuery(marker),
	}, &body)
	if err != nil {
		return nil, err
	}
	return &vault.PartList{
		UploadID:    body.MultipartUploadID,
		Description: body.ArchiveDescription,
		PartSize:    body.PartSizeInBytes,
		CreatedAt:   body.CreationDate,
		Parts:       body.Parts,
		Marker:      derefMarker(body.Marker),
	}, nil
}

// CompleteUpload implements vault.Client.
func (c *Client) CompleteUpload(ctx context.Context, vaultName, uploadID string, size int64, hash treehash.Hash) (*vault.ArchiveResult, error) {
	h := http.Header{}
	h.Set(hdrArchiveSize, strconv.FormatInt(size, 10))
	h.Set(hdrTreeHash, hash.String())

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.vaultPath(vaultName, "multipart-uploads", uploadID),
		header: h,
	}, http.StatusCreated)
	if err != nil {
		var ierr *vault.IntegrityError
		if errors.As(err, &ierr) {
			ierr.UploadID = uploadID
			ierr.Expected = hash
		}
		return nil, err
	}
	resp.Body.Close()

	res := &vault.ArchiveResult{
		ArchiveID: resp.Header.Get(hdrArchiveID),
		Location:  resp.Header.Get("Location"),
	}
	if v := resp.Header.Get(hdrTreeHash); v != "" {
		if res.Hash, err = treehash.Parse(v); err != nil {
			return nil, fmt.Errorf("httpvault: complete %s: %w", uploadID, err)
		}
	}
	if res.ArchiveID == "" {
		return nil, fmt.Errorf("httpvault: response has no %s header", hdrArchiveID)
	}
	return res, nil
}

// AbortUpload implements vault.Client.
func (c *Client) AbortUpload(ctx context.Context, vaultName, uploadID string) error {
	resp, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.vaultPath(vaultName, "multipart-uploads", uploadID),
	}, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListUploads implements vault.Client.
func (c *Client) ListUploads(ctx context.Context, vaultName, marker string) (*vault.UploadList, error) {
	var body uploadListBody
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   c.vaultPath(vaultName, "multipart-uploads"),
		query:  c.pageQuery(marker),
	}, &body)
	if err != nil {
		return nil, err
	}
	return &vault.UploadList{Uploads: body.UploadsList, Marker: derefMarker(body.Marker)}, nil
}

// InitiateJob implements vault.Client.
func (c *Client) InitiateJob(ctx context.Context, vaultName string, params vault.JobParameters) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(jobRequest{
		Type:        string(params.Kind),
		ArchiveID:   params.ArchiveID,
		Description: params.Description,
		Format:      params.Format,
		Tier:        params.Tier,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.vaultPath(vaultName, "jobs"),
		header: http.Header{"Content-Type": {jsonContentType}},
		body:   bytes.NewReader(data),
		length: int64(len(data)),
	}, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	id := resp.Header.Get(hdrJobID)
	if id == "" {
		return "", fmt.Errorf("httpvault: response has no %s header", hdrJobID)
	}
	return id, nil
}

// DescribeJob implements vault.Client.
func (c *Client) DescribeJob(ctx context.Context, vaultName, jobID string) (*vault.Job, error) {
	var body jobBody
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   c.vaultPath(vaultName, "jobs", jobID),
		jobID:  jobID,
	}, &body)
	if err != nil {
		return nil, err
	}
	return jobFromBody(vaultName, &body)
}

func jobFromBody(vaultName string, b *jobBody) (*vault.Job, error) {
	job := &vault.Job{
		JobID:         b.JobID,
		Kind:          vault.KindFromAction(b.Action),
		Vault:         vaultName,
		Status:        vault.JobStatus(b.StatusCode),
		StatusMessage: b.StatusMessage,
		Description:   b.JobDescription,
		ArchiveID:     b.ArchiveID,
		Tier:          b.Tier,
		CreatedAt:     b.CreationDate,
	}
	if b.CompletionDate != nil {
		job.CompletedAt = *b.CompletionDate
	}
	if b.InventoryRetrievalParameters != nil {
		job.Format = b.InventoryRetrievalParameters.Format
	}
	switch {
	case b.ArchiveSizeInBytes != nil:
		job.Size = *b.ArchiveSizeInBytes
	case b.InventorySizeInBytes != nil:
		job.Size = *b.InventorySizeInBytes
	}

	hash := b.SHA256TreeHash
	if hash == "" {
		hash = b.ArchiveSHA256TreeHash
	}
	if hash != "" {
		h, err := treehash.Parse(hash)
		if err != nil {
			return nil, fmt.Errorf("httpvault: job %s: %w", b.JobID, err)
		}
		job.Hash = h
	}
	return job, nil
}

// GetJobOutput implements vault.Client.
func (c *Client) GetJobOutput(ctx context.Context, vaultName, jobID string, r *vault.ByteRange) (*vault.JobOutput, error) {
	h := http.Header{}
	if r != nil {
		h.Set("Range", "bytes="+r.String())
	}

	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.vaultPath(vaultName, "jobs", jobID, "output"),
		header: h,
		jobID:  jobID,
	}, http.StatusOK, http.StatusPartialContent)
	if err != nil {
		return nil, err
	}

	out := &vault.JobOutput{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		start, end, _, err := ParseContentRange(cr)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("httpvault: job %s output: %w", jobID, err)
		}
		out.Range = &vault.ByteRange{Start: start, End: end}
	}
	if v := resp.Header.Get(hdrTreeHash); v != "" {
		if out.Hash, err = treehash.Parse(v); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("httpvault: job %s output: %w", jobID, err)
		}
	}
	return out, nil
}

// DeleteArchive implements vault.Client.
func (c *Client) DeleteArchive(ctx context.Context, vaultName, archiveID string) error {
	resp, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.vaultPath(vaultName, "archives", archiveID),
	}, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
