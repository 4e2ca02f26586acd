// Package archive uploads a publish manifest to S3-compatible object storage
// when a workflow reaches PUBLISHED.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"montage/api/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Manifest is the published record of an asset's approval.
type Manifest struct {
	WorkflowID  string                `json:"workflow_id"`
	AssetID     string                `json:"asset_id"`
	CreatedBy   string                `json:"created_by"`
	Status      store.WorkflowStatus  `json:"status"`
	Steps       []store.WorkflowStep  `json:"steps"`
	History     []store.WorkflowEvent `json:"history"`
	JournalHead *store.CommitInfo     `json:"journal_head,omitempty"`
	JournalTag  string                `json:"journal_tag,omitempty"`
	PublishedAt time.Time             `json:"published_at"`
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type journal interface {
	Head(assetID string) (store.CommitInfo, bool, error)
	Tag(assetID, name, message string) error
}

type Archiver struct {
	objects objectPutter
	bucket  string
	journal journal
	logger  *slog.Logger
	now     func() time.Time
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, history journal, logger *slog.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return newArchiver(client, cfg.Bucket, history, logger), nil
}

func newArchiver(objects objectPutter, bucket string, history journal, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		objects: objects,
		bucket:  bucket,
		journal: history,
		logger:  logger,
		now:     time.Now,
	}
}

// Archive tags the asset journal and uploads the manifest of instance.
func (a *Archiver) Archive(ctx context.Context, instance store.WorkflowInstance) error {
	manifest := BuildManifest(instance, a.now().UTC())
	if a.journal != nil {
		head, ok, err := a.journal.Head(instance.AssetID)
		if err != nil {
			return fmt.Errorf("read journal head: %w", err)
		}
		if ok {
			tag := "published-" + instance.ID
			if err := a.journal.Tag(instance.AssetID, tag, "published by workflow "+instance.ID); err != nil {
				return fmt.Errorf("tag journal: %w", err)
			}
			manifest.JournalHead = &head
			manifest.JournalTag = tag
		}
	}

	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := ObjectKey(instance)
	info, err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"asset-id":    instance.AssetID,
			"workflow-id": instance.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("upload manifest %s: %w", key, err)
	}
	a.logger.InfoContext(ctx, "publish manifest archived", "workflow_id", instance.ID, "bucket", a.bucket, "key", key, "etag", info.ETag)
	return nil
}

func BuildManifest(instance store.WorkflowInstance, publishedAt time.Time) Manifest {
	clone := instance.Clone()
	return Manifest{
		WorkflowID:  clone.ID,
		AssetID:     clone.AssetID,
		CreatedBy:   clone.CreatedBy,
		Status:      clone.Status,
		Steps:       clone.Steps,
		History:     clone.History,
		PublishedAt: publishedAt,
	}
}

func ObjectKey(instance store.WorkflowInstance) string {
	return fmt.Sprintf("assets/%s/workflows/%s/manifest.json", instance.AssetID, instance.ID)
}
