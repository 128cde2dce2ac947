// Package blob stores media uploads and accepted frame images in MinIO.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Storage struct {
	client      *miniogo.Client
	mediaBucket string
	frameBucket string
}

type StorageConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	MediaBucket string
	FrameBucket string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	return &Storage{
		client:      client,
		mediaBucket: cfg.MediaBucket,
		frameBucket: cfg.FrameBucket,
	}, nil
}

func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.mediaBucket, s.frameBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return errors.Wrapf(err, "check bucket %s", bucket)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
				return errors.Wrapf(err, "create bucket %s", bucket)
			}
		}
	}
	return nil
}

// PutMedia uploads the file at path to the media bucket under key.
func (s *Storage) PutMedia(ctx context.Context, key, path, mimeType string) error {
	_, err := s.client.FPutObject(ctx, s.mediaBucket, key, path, miniogo.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return errors.Wrapf(err, "upload media %s", key)
	}
	return nil
}

// FetchMedia downloads key to dest and describes it. mimeType wins over the
// stored content type when set.
func (s *Storage) FetchMedia(ctx context.Context, key, dest, mimeType string) (types.MediaInput, error) {
	if err := s.client.FGetObject(ctx, s.mediaBucket, key, dest, miniogo.GetObjectOptions{}); err != nil {
		return types.MediaInput{}, errors.Wrapf(err, "download media %s", key)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return types.MediaInput{}, err
	}
	if mimeType == "" {
		stat, err := s.client.StatObject(ctx, s.mediaBucket, key, miniogo.StatObjectOptions{})
		if err == nil {
			mimeType = stat.ContentType
		}
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if mt, err := types.DetectMIME(dest); err == nil {
			mimeType = mt
		}
	}
	return types.MediaInput{Path: dest, MIMEType: mimeType, Size: info.Size()}, nil
}

// FrameKey names the object holding the seq-th accepted frame of a run.
func FrameKey(runID uuid.UUID, seq int, f types.AcceptedFrame) string {
	return fmt.Sprintf("%s/frame_%02d_%08d%s", runID, seq, int64(f.Timestamp*1000), Extension(f.ContentType))
}

// Extension maps a frame content type onto its file extension.
func Extension(contentType string) string {
	switch contentType {
	case "image/webp":
		return ".webp"
	case "image/png":
		return ".png"
	default:
		return ".jpg"
	}
}

// IsNotFound reports whether err is a missing bucket or object.
func IsNotFound(err error) bool {
	var resp miniogo.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// PutFrame uploads an accepted frame's blob and returns its key.
// Placeholder frames have no image and are skipped with an empty key.
func (s *Storage) PutFrame(ctx context.Context, runID uuid.UUID, seq int, f types.AcceptedFrame) (string, error) {
	if f.Placeholder || len(f.Blob) == 0 {
		return "", nil
	}
	key := FrameKey(runID, seq, f)
	_, err := s.client.PutObject(ctx, s.frameBucket, key, bytes.NewReader(f.Blob), int64(len(f.Blob)), miniogo.PutObjectOptions{
		ContentType: f.ContentType,
	})
	if err != nil {
		return "", errors.Wrapf(err, "upload frame %s", key)
	}
	return key, nil
}

// GetFrame reads a frame image back.
func (s *Storage) GetFrame(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.frameBucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, "", errors.Wrapf(err, "get frame %s", key)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, "", errors.Wrapf(err, "stat frame %s", key)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", errors.Wrapf(err, "read frame %s", key)
	}
	return data, stat.ContentType, nil
}
