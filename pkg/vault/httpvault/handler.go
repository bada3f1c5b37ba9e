package httpvault

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// Handler serves the REST API on top of any vault.Client, typically a
// blobvault.Service. The linear x-amz-content-sha256 header is accepted
// but not checked; the backend verifies the tree hash of every part.
type Handler struct {
	backend vault.Client
	logger  *slog.Logger
	router  *mux.Router
}

// NewHandler returns a Handler serving backend.
func NewHandler(backend vault.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{backend: backend, logger: logger}

	r := mux.NewRouter()
	v := r.PathPrefix("/{account}/vaults/{vault}").Subrouter()
	v.HandleFunc("/multipart-uploads", h.createUpload).Methods(http.MethodPost)
	v.HandleFunc("/multipart-uploads", h.listUploads).Methods(http.MethodGet)
	v.HandleFunc("/multipart-uploads/{upload}", h.uploadPart).Methods(http.MethodPut)
	v.HandleFunc("/multipart-uploads/{upload}", h.listParts).Methods(http.MethodGet)
	v.HandleFunc("/multipart-uploads/{upload}", h.completeUpload).Methods(http.MethodPost)
	v.HandleFunc("/multipart-uploads/{upload}", h.abortUpload).Methods(http.MethodDelete)
	v.HandleFunc("/jobs", h.initiateJob).Methods(http.MethodPost)
	v.HandleFunc("/jobs/{job}", h.describeJob).Methods(http.MethodGet)
	v.HandleFunc("/jobs/{job}/output", h.jobOutput).Methods(http.MethodGet)
	v.HandleFunc("/archives/{archive}", h.deleteArchive).Methods(http.MethodDelete)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.writeError(w, req, fmt.Errorf("%w: no route for %s %s", vault.ErrNotFound, req.Method, req.URL.Path))
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= 500 {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func vaultARN(r *http.Request) string {
	vars := mux.Vars(r)
	return fmt.Sprintf("arn:glacier:local:%s:vaults/%s", vars["account"], vars["vault"])
}

func intHeader(r *http.Request, name string) (int64, error) {
	v := r.Header.Get(name)
	if v == "" {
		return 0, &vault.ValidationError{Field: name, Reason: "required"}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &vault.ValidationError{Field: name, Reason: err.Error()}
	}
	return n, nil
}

func hashHeader(r *http.Request) (treehash.Hash, error) {
	h, err := treehash.Parse(r.Header.Get(hdrTreeHash))
	if err != nil {
		return treehash.Hash{}, &vault.ValidationError{Field: hdrTreeHash, Reason: err.Error()}
	}
	return h, nil
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partSize, err := intHeader(r, hdrPartSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.backend.CreateUpload(r.Context(), vars["vault"], partSize, r.Header.Get(hdrDescription))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+id)
	w.Header().Set(hdrUploadID, id)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	start, end, _, err := ParseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		h.writeError(w, r, &vault.ValidationError{Field: "Content-Range", Reason: err.Error()})
		return
	}
	hash, err := hashHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	got, err := h.backend.UploadPart(r.Context(), vars["vault"], vars["upload"],
		vault.ByteRange{Start: start, End: end}, r.Body, hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(hdrTreeHash, got.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	list, err := h.backend.ListParts(r.Context(), vars["vault"], vars["upload"], r.URL.Query().Get("marker"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	parts := list.Parts
	if parts == nil {
		parts = []vault.PartInfo{}
	}
	h.writeJSON(w, partListBody{
		ArchiveDescription: list.Description,
		CreationDate:       list.CreatedAt,
		Marker:             marker(list.Marker),
		MultipartUploadID:  list.UploadID,
		PartSizeInBytes:    list.PartSize,
		Parts:              parts,
		VaultARN:           vaultARN(r),
	})
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	size, err := intHeader(r, hdrArchiveSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	hash, err := hashHeader(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.backend.CompleteUpload(r.Context(), vars["vault"], vars["upload"], size, hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	location := res.Location
	if location == "" {
		location = fmt.Sprintf("/%s/vaults/%s/archives/%s", vars["account"], vars["vault"], res.ArchiveID)
	}
	w.Header().Set("Location", location)
	w.Header().Set(hdrArchiveID, res.ArchiveID)
	w.Header().Set(hdrTreeHash, res.Hash.String())
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.backend.AbortUpload(r.Context(), vars["vault"], vars["upload"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUploads(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	list, err := h.backend.ListUploads(r.Context(), vars["vault"], r.URL.Query().Get("marker"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	uploads := list.Uploads
	if uploads == nil {
		uploads = []vault.Upload{}
	}
	h.writeJSON(w, uploadListBody{Marker: marker(list.Marker), UploadsList: uploads})
}

func (h *Handler) initiateJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req jobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, r, &vault.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	id, err := h.backend.InitiateJob(r.Context(), vars["vault"], vault.JobParameters{
		Kind:        vault.JobKind(req.Type),
		ArchiveID:   req.ArchiveID,
		Format:      req.Format,
		Tier:        req.Tier,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+id)
	w.Header().Set(hdrJobID, id)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) describeJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := h.backend.DescribeJob(r.Context(), vars["vault"], vars["job"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := jobBody{
		Action:         job.Kind.Action(),
		ArchiveID:      job.ArchiveID,
		Completed:      job.Status.Done(),
		CreationDate:   job.CreatedAt,
		JobDescription: job.Description,
		JobID:          job.JobID,
		StatusCode:     string(job.Status),
		StatusMessage:  job.StatusMessage,
		Tier:           job.Tier,
		VaultARN:       vaultARN(r),
	}
	if !job.CompletedAt.IsZero() {
		body.CompletionDate = &job.CompletedAt
	}
	size := job.Size
	switch job.Kind {
	case vault.JobArchive:
		body.ArchiveSizeInBytes = &size
		if !job.Hash.IsZero() {
			body.ArchiveSHA256TreeHash = job.Hash.String()
			body.SHA256TreeHash = job.Hash.String()
		}
	case vault.JobInventory:
		body.InventorySizeInBytes = &size
		body.InventoryRetrievalParameters = &inventoryParams{Format: job.Format}
	}
	h.writeJSON(w, body)
}

func (h *Handler) jobOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rng, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.backend.DescribeJob(r.Context(), vars["vault"], vars["job"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.backend.GetJobOutput(r.Context(), vars["vault"], vars["job"], rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer out.Body.Close()

	if out.ContentType != "" {
		w.Header().Set("Content-Type", out.ContentType)
	}
	if !out.Hash.IsZero() {
		w.Header().Set(hdrTreeHash, out.Hash.String())
	}
	status := http.StatusOK
	if out.Range != nil {
		w.Header().Set("Content-Range", contentRange(*out.Range, job.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(out.Range.Len(), 10))
		status = http.StatusPartialContent
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(job.Size, 10))
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, out.Body); err != nil {
		h.logger.Warn("job output interrupted", "job_id", vars["job"], "error", err)
	}
}

func (h *Handler) deleteArchive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.backend.DeleteArchive(r.Context(), vars["vault"], vars["archive"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
