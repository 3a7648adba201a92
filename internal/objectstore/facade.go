package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Facade namespaces object-store keys under
// {tenant}/landing/{ingest_id}/{variant}/… and exposes them through named
// operations rather than raw key manipulation.
type Facade struct {
	store  ObjectStore
	bucket string
}

// NewFacade wraps an ObjectStore (normally an *S3Store) with the ingestion
// layout conventions.
func NewFacade(store ObjectStore, bucket string) *Facade {
	return &Facade{store: store, bucket: bucket}
}

// NormalizeFilename returns the basename of name, or "upload.bin" when name
// is empty or resolves to a root/empty basename.
func NormalizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload.bin"
	}
	base := path.Base(path.Clean(strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "." || base == "/" {
		return "upload.bin"
	}
	return base
}

func landingPrefix(tenantID, ingestID string) string {
	return fmt.Sprintf("%s/landing/%s", tenantID, ingestID)
}

// RawKey returns the key under which the original upload bytes live.
func (f *Facade) RawKey(tenantID, ingestID, filename string) string {
	return fmt.Sprintf("%s/raw/%s", landingPrefix(tenantID, ingestID), NormalizeFilename(filename))
}

// RedactedKey returns the key for the PII-redacted plain-text sibling object.
func (f *Facade) RedactedKey(tenantID, ingestID, basename string) string {
	stem := strings.TrimSuffix(NormalizeFilename(basename), path.Ext(basename))
	if stem == "" {
		stem = "upload"
	}
	return fmt.Sprintf("%s/redacted/%s.txt", landingPrefix(tenantID, ingestID), stem)
}

// ManifestKey returns the key for the manifest JSON sidecar object.
func (f *Facade) ManifestKey(tenantID, ingestID string) string {
	return fmt.Sprintf("%s/metadata/manifest.json", landingPrefix(tenantID, ingestID))
}

// URI formats an object-store URI for a key under this facade's bucket.
func (f *Facade) URI(key string) string {
	return fmt.Sprintf("object-store://%s/%s", f.bucket, key)
}

// ParseURI extracts bucket and key from an object-store:// URI.
func ParseURI(uri string) (bucket, key string, err error) {
	const prefix = "object-store://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("invalid object-store uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid object-store uri: %q", uri)
	}
	return parts[0], parts[1], nil
}

// PutRaw stores the raw upload bytes and returns the stored key.
func (f *Facade) PutRaw(ctx context.Context, tenantID, ingestID, filename string, r io.Reader, contentType string) (string, error) {
	key := f.RawKey(tenantID, ingestID, filename)
	if _, err := f.store.Put(ctx, key, r, PutOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put raw: %w", err)
	}
	return key, nil
}

// PutRedactedText stores the PII-redacted plain-text sibling and returns the stored key.
func (f *Facade) PutRedactedText(ctx context.Context, tenantID, ingestID, basename, text string) (string, error) {
	key := f.RedactedKey(tenantID, ingestID, basename)
	if _, err := f.store.Put(ctx, key, strings.NewReader(text), PutOptions{ContentType: "text/plain; charset=utf-8"}); err != nil {
		return "", fmt.Errorf("put redacted: %w", err)
	}
	return key, nil
}

// PutManifest stores the manifest JSON sidecar and returns the stored key.
func (f *Facade) PutManifest(ctx context.Context, tenantID, ingestID string, manifestJSON []byte) (string, error) {
	key := f.ManifestKey(tenantID, ingestID)
	if _, err := f.store.Put(ctx, key, strings.NewReader(string(manifestJSON)), PutOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("put manifest: %w", err)
	}
	return key, nil
}

// Get fetches an object by its object-store:// URI.
func (f *Facade) Get(ctx context.Context, uri string) (io.ReadCloser, ObjectAttrs, error) {
	_, key, err := ParseURI(uri)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	return f.store.Get(ctx, key)
}

// DeleteIngest removes every object under a tenant/ingest's landing prefix,
// paginating and continuing across truncated listings.
func (f *Facade) DeleteIngest(ctx context.Context, tenantID, ingestID string) error {
	prefix := landingPrefix(tenantID, ingestID) + "/"
	token := ""
	for {
		res, err := f.store.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token, MaxKeys: 1000})
		if err != nil {
			return fmt.Errorf("list for delete: %w", err)
		}
		for _, obj := range res.Objects {
			if err := f.store.Delete(ctx, obj.Key); err != nil {
				return fmt.Errorf("delete %s: %w", obj.Key, err)
			}
		}
		if !res.IsTruncated {
			return nil
		}
		token = res.NextContinuationToken
		if token == "" {
			return nil
		}
	}
}

// EnsureBucket bootstraps the backing bucket when the store supports it.
func (f *Facade) EnsureBucket(ctx context.Context) error {
	if e, ok := f.store.(interface{ EnsureBucket(context.Context) error }); ok {
		return e.EnsureBucket(ctx)
	}
	return nil
}

// PresignDownload returns a presigned download URL for key, refusing any key
// outside {tenant}/landing/. ttl is clamped to [1s, max].
func (f *Facade) PresignDownload(ctx context.Context, tenantID, key string, ttl, max time.Duration) (string, error) {
	requiredPrefix := tenantID + "/landing/"
	if !strings.HasPrefix(key, requiredPrefix) {
		return "", ErrPresignScopeViolation
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if max > 0 && ttl > max {
		ttl = max
	}
	presigner, ok := f.store.(Presigner)
	if !ok {
		return "", fmt.Errorf("backing store does not support presigning")
	}
	return presigner.PresignGet(ctx, key, ttl)
}
