// Package archive exports audit trail snapshots to an S3-compatible object
// store for long-term retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reclaim/api/internal/store"
)

// Archiver writes NDJSON audit snapshots to a bucket. The audit table stays
// the system of record; archives are read-only copies.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}

	return &Archiver{client: client, bucket: bucket}, nil
}

// Archive uploads one snapshot covering [from, to) and returns the object
// name. Entries are written newest first, one JSON object per line.
func (a *Archiver) Archive(ctx context.Context, entries []store.AuditEntry, from, to time.Time) (string, error) {
	payload, err := EncodeNDJSON(entries)
	if err != nil {
		return "", err
	}

	objectName := ObjectName(from, to)
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return "", fmt.Errorf("upload archive %s: %w", objectName, err)
	}
	return objectName, nil
}

// ObjectName builds a deterministic, time-partitioned object key so repeated
// exports of the same window overwrite rather than accumulate.
func ObjectName(from, to time.Time) string {
	return fmt.Sprintf("audit/%s/audit_%s_%s.ndjson",
		to.UTC().Format("2006/01"),
		from.UTC().Format("20060102T150405Z"),
		to.UTC().Format("20060102T150405Z"),
	)
}

type archivedEntry struct {
	AuditID      int64          `json:"audit_id"`
	CompositeKey string         `json:"composite_key"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	OldValues    map[string]any `json:"old_values"`
	NewValues    map[string]any `json:"new_values"`
	Violations   []string       `json:"violations"`
	BatchID      string         `json:"batch_id"`
	Timestamp    time.Time      `json:"timestamp"`
}

// EncodeNDJSON renders audit entries as newline-delimited JSON.
func EncodeNDJSON(entries []store.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		violations := entry.Violations
		if violations == nil {
			violations = []string{}
		}
		row := archivedEntry{
			AuditID:      entry.AuditID,
			CompositeKey: entry.CompositeKey(),
			Actor:        entry.Actor,
			Action:       entry.Action,
			OldValues:    entry.OldValues,
			NewValues:    entry.NewValues,
			Violations:   violations,
			BatchID:      entry.BatchID,
			Timestamp:    entry.CreatedAt,
		}
		if err := encoder.Encode(row); err != nil {
			return nil, fmt.Errorf("encode audit entry %d: %w", entry.AuditID, err)
		}
	}
	return buf.Bytes(), nil
}
