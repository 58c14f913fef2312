package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"cv-match-go/internal/config"
)

// ObjectStorage abstracts the CV blob store.
type ObjectStorage interface {
	// UploadCVFile stores a CV under a deterministic key derived from the
	// candidate ID and returns the object key.
	UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)

	// GetCVFile downloads a stored CV.
	GetCVFile(ctx context.Context, objectKey string) ([]byte, error)

	// GetPresignedURL returns a temporary download URL for a stored CV.
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)

	// DeleteCVFile removes a stored CV.
	DeleteCVFile(ctx context.Context, objectKey string) error
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO provides object storage for uploaded CV files.
type MinIO struct {
	client   *minio.Client
	cfg      *config.MinIOConfig
	cvBucket string
	logger   *log.Logger
}

// NewMinIO creates the MinIO client, ensures the CV bucket exists and
// installs the expiry lifecycle rule when configured.
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO config must not be nil")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	cvBucket := cfg.CVBucket
	if cvBucket == "" {
		cvBucket = "cv-files"
	}

	m := &MinIO{
		client:   client,
		cfg:      cfg,
		cvBucket: cvBucket,
		logger:   logger,
	}

	if err := m.ensureBucketExists(cvBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("failed to ensure CV bucket %s exists: %w", cvBucket, err)
	}

	if cfg.ExpiryDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), cvBucket, "expire-cv-files", cfg.ExpiryDays); err != nil {
			m.logger.Printf("[MinIO] warning: failed to set up lifecycle rule: %v", err)
		}
	}

	return m, nil
}

func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] bucket %s created", bucketName)
	}
	return nil
}

func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, lc)
}

// cvObjectKey builds the object key for one candidate's CV. Keys are
// date-partitioned so bucket listings stay navigable.
func cvObjectKey(candidateID, fileExt string) string {
	ext := strings.TrimPrefix(fileExt, ".")
	if ext == "" {
		ext = "pdf"
	}
	return path.Join("cvs", time.Now().Format("2006/01"), candidateID+"."+ext)
}

func contentTypeForExt(objectKey string) string {
	switch strings.ToLower(path.Ext(objectKey)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

// UploadCVFile stores one CV file and returns its object key.
func (m *MinIO) UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectKey := cvObjectKey(candidateID, fileExt)

	_, err := m.client.PutObject(ctx, m.cvBucket, objectKey, reader, fileSize, minio.PutObjectOptions{
		ContentType: contentTypeForExt(objectKey),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload CV file %s: %w", objectKey, err)
	}

	m.logger.Printf("[MinIO] uploaded %s (%d bytes)", objectKey, fileSize)
	return objectKey, nil
}

// GetCVFile downloads a stored CV into memory.
func (m *MinIO) GetCVFile(ctx context.Context, objectKey string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.cvBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get CV file %s: %w", objectKey, err)
	}
	defer object.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, object); err != nil {
		return nil, fmt.Errorf("failed to read CV file %s: %w", objectKey, err)
	}
	return buf.Bytes(), nil
}

// GetPresignedURL returns a temporary download URL for a stored CV.
func (m *MinIO) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	url, err := m.client.PresignedGetObject(ctx, m.cvBucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign CV file %s: %w", objectKey, err)
	}
	return url.String(), nil
}

// DeleteCVFile removes a stored CV.
func (m *MinIO) DeleteCVFile(ctx context.Context, objectKey string) error {
	if err := m.client.RemoveObject(ctx, m.cvBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete CV file %s: %w", objectKey, err)
	}
	return nil
}
