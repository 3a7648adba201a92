package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dalibouzir/ragtunnel/internal/objectstore"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

const maxUploadMemory = 32 << 20 // 32MiB held in memory before spilling to tmp files

// handleIngest implements POST /v1/ingest: accepts the raw file, writes it
// to the landing prefix, and enqueues parse_normalize.
func (s *IngestServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	tenantID := strings.TrimSpace(r.FormValue("tenant_id"))
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read file: "+err.Error())
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "file is empty")
		return
	}

	metadata := map[string]any{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			respondError(w, http.StatusBadRequest, "metadata must be a JSON object: "+err.Error())
			return
		}
	}
	if raw := r.FormValue("options"); raw != "" {
		var options map[string]any
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			respondError(w, http.StatusBadRequest, "options must be a JSON object: "+err.Error())
			return
		}
		metadata["options"] = options
	}

	labels := formLabels(r)

	sum := sha256.Sum256(data)
	ingestID := uuid.NewString()
	filename := objectstore.NormalizeFilename(header.Filename)
	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	objectKey, err := s.objects.PutRaw(ctx, tenantID, ingestID, filename, strings.NewReader(string(data)), mime)
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to store upload: "+err.Error())
		return
	}

	man := statestore.Manifest{
		IngestID:         ingestID,
		TenantID:         tenantID,
		Source:           firstNonEmpty(r.FormValue("source"), "upload"),
		ObjectKey:        objectKey,
		ObjectSuffix:     suffixOf(filename),
		OriginalBasename: filename,
		DocTypeHint:      r.FormValue("doc_type"),
		ChecksumSHA256:   hex.EncodeToString(sum[:]),
		Size:             int64(len(data)),
		Mime:             mime,
		Uploader:         r.FormValue("uploader"),
		Labels:           labels,
		Metadata:         metadata,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.coord.CreateIngest(ctx, man); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create ingest: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"ingest_id": ingestID, "status": "queued"})
}

func formLabels(r *http.Request) []string {
	var labels []string
	if vals, ok := r.MultipartForm.Value["labels"]; ok {
		for _, v := range vals {
			for _, part := range strings.Split(v, ",") {
				if p := strings.TrimSpace(part); p != "" {
					labels = append(labels, p)
				}
			}
		}
	}
	return labels
}

func suffixOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i+1:]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// handleStatus implements GET /v1/status/{ingest_id}.
func (s *IngestServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ingestID := r.PathValue("ingestID")
	st, err := s.store.GetIngestionState(r.Context(), ingestID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown ingest_id")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleListIngestions implements GET /v1/ingestions.
func (s *IngestServer) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 || limit > 200 {
		limit = 25
	}
	rows, err := s.store.ListIngestions(r.Context(), tenantID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ingestions": rows})
}

// handleReindex implements POST /v1/reindex.
func (s *IngestServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IngestID string `json:"ingest_id"`
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.IngestID == "" {
		respondError(w, http.StatusBadRequest, "ingest_id is required")
		return
	}
	if err := s.coord.Reindex(r.Context(), body.IngestID, body.TenantID); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown ingest_id")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ingest_id": body.IngestID, "status": "queued"})
}

// handleDeleteIngest implements DELETE /v1/ingest/{ingest_id}.
func (s *IngestServer) handleDeleteIngest(w http.ResponseWriter, r *http.Request) {
	ingestID := r.PathValue("ingestID")
	tenantID := r.URL.Query().Get("tenant_id")
	man, err := s.store.GetManifest(r.Context(), ingestID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown ingest_id")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if man.TenantID != tenantID {
		respondError(w, http.StatusBadRequest, "tenant_id mismatch")
		return
	}
	if err := s.coord.DeleteIngest(r.Context(), ingestID, tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ingest_id": ingestID, "status": "deleted"})
}

// handlePresign implements GET /v1/files/presign, restricted to the
// tenant's landing prefix.
func (s *IngestServer) handlePresign(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	objectKey := r.URL.Query().Get("object_key")
	if tenantID == "" || objectKey == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and object_key are required")
		return
	}
	if !strings.HasPrefix(objectKey, tenantID+"/landing/") {
		respondError(w, http.StatusBadRequest, "object_key must be under the tenant's landing prefix")
		return
	}
	expiresIn := 900
	if raw := r.URL.Query().Get("expires_in"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			expiresIn = n
		}
	}
	if expiresIn < 1 || expiresIn > 3600 {
		respondError(w, http.StatusBadRequest, "expires_in must be between 1 and 3600")
		return
	}
	url, err := s.objects.PresignDownload(r.Context(), tenantID, objectKey, time.Duration(expiresIn)*time.Second, time.Hour)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in": expiresIn})
}

// minioEventPayload is the subset of the S3-style bucket notification
// format this handler needs.
type minioEventPayload struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// handleMinioWebhook implements POST /webhook/minio: for each record
// landing under .../landing/..., create a manifest and enqueue if one
// doesn't already exist for that object URI.
func (s *IngestServer) handleMinioWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var payload minioEventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}

	created := 0
	for _, rec := range payload.Records {
		key := rec.S3.Object.Key
		if !strings.Contains(key, "/landing/") {
			continue
		}
		parts := strings.SplitN(key, "/", 4)
		if len(parts) < 4 {
			continue
		}
		tenantID, ingestID, filename := parts[0], parts[2], parts[3]
		objectURI := s.objects.URI(key)
		if s.Dedupe != nil {
			if seen, err := s.Dedupe.Get(ctx, "minio-webhook:"+objectURI); err == nil && seen != "" {
				continue
			}
		}
		if _, err := s.store.GetManifest(ctx, ingestID); err == nil {
			continue // already ingested from this event
		}
		man := statestore.Manifest{
			IngestID:         ingestID,
			TenantID:         tenantID,
			Source:           "minio-webhook",
			ObjectKey:        key,
			ObjectSuffix:     suffixOf(filename),
			OriginalBasename: filename,
			Size:             rec.S3.Object.Size,
			Metadata:         map[string]any{},
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.coord.CreateIngest(ctx, man); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.Dedupe != nil {
			_ = s.Dedupe.Set(ctx, "minio-webhook:"+objectURI, ingestID, 24*time.Hour)
		}
		created++
	}
	respondJSON(w, http.StatusOK, map[string]any{"created": created})
}
