package cmd

import (
	"context"

	"github.com/andresmejia3/puppysense/internal/blob"
	"github.com/andresmejia3/puppysense/internal/store"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// sink records a finished run. Either side may be nil.
type sink struct {
	db    *store.Store
	blobs *blob.Storage
	log   *zap.Logger
}

// save uploads accepted frames and writes the run with its frames.
// It returns the object key of each frame, "" for frames not uploaded.
func (s sink) save(ctx context.Context, in types.MediaInput, res types.RunResult) ([]string, error) {
	keys := make([]string, len(res.Frames))
	if s.blobs != nil {
		for i, f := range res.Frames {
			key, err := s.blobs.PutFrame(ctx, res.RunID, i, f)
			if err != nil {
				return nil, err
			}
			keys[i] = key
		}
	}

	if s.db == nil {
		return keys, nil
	}
	if err := s.db.CreateRun(ctx, res.RunID, res.MediaID, in, res.Strategy, res.StartedAt); err != nil {
		return nil, errors.Wrap(err, "create run")
	}
	rows := make([]store.Frame, len(res.Frames))
	for i, f := range res.Frames {
		rows[i] = store.FrameFromAccepted(res.RunID, i, f, keys[i])
	}
	if err := s.db.InsertFrames(ctx, res.RunID, rows); err != nil {
		return nil, errors.Wrap(err, "insert frames")
	}
	if err := s.db.FinishRun(ctx, res); err != nil {
		return nil, errors.Wrap(err, "finish run")
	}

	s.log.Info("run saved",
		zap.String("run_id", res.RunID.String()),
		zap.String("state", res.State.Kind.String()),
		zap.Int("frames", len(res.Frames)))
	return keys, nil
}

func newBlobStorage(ctx context.Context) (*blob.Storage, error) {
	s, err := blob.NewStorage(blob.StorageConfig{
		Endpoint:    infra.MinIOEndpoint,
		AccessKey:   infra.MinIOAccessKey,
		SecretKey:   infra.MinIOSecretKey,
		UseSSL:      infra.MinIOUseSSL,
		MediaBucket: infra.MinIOMediaBucket,
		FrameBucket: infra.MinIOFrameBucket,
	})
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBuckets(ctx); err != nil {
		return nil, errors.WithHint(err, "check MINIO_ENDPOINT and the MinIO credentials")
	}
	return s, nil
}
