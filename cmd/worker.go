package cmd

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/andresmejia3/puppysense/internal/blob"
	"github.com/andresmejia3/puppysense/internal/config"
	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/metrics"
	"github.com/andresmejia3/puppysense/internal/pipeline"
	"github.com/andresmejia3/puppysense/internal/queue"
	"github.com/andresmejia3/puppysense/internal/tracing"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume scan jobs from RabbitMQ until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWorker(cmd.Context())
	},
}

func init() {
	addProfileFlags(workerCmd)
	rootCmd.AddCommand(workerCmd)
}

// statusPublisher is the part of queue.Publisher the job runner needs.
type statusPublisher interface {
	PublishStatus(ctx context.Context, status queue.Status) error
}

// mediaFetcher is the part of blob.Storage the job runner reads media through.
type mediaFetcher interface {
	FetchMedia(ctx context.Context, key, dest, mimeType string) (types.MediaInput, error)
}

// jobEngine is the part of *engine a job runner drives.
type jobEngine interface {
	Run(ctx context.Context, in types.MediaInput) (types.RunResult, error)
	Close() error
}

// jobRunner handles one job per call. Each consumer worker owns its own
// engines, so a worker id is never used concurrently.
type jobRunner struct {
	profile *config.Profile
	fetch   mediaFetcher
	sink    sink
	status  statusPublisher
	tempDir string
	log     *zap.Logger

	build   func(prof *config.Profile) (jobEngine, error)
	engines []map[detector.Kind]jobEngine
}

func newJobRunner(prof *config.Profile, workers int, lg *zap.Logger) *jobRunner {
	if workers < 1 {
		workers = 1
	}
	r := &jobRunner{
		profile: prof,
		log:     lg,
		engines: make([]map[detector.Kind]jobEngine, workers),
	}
	r.build = func(p *config.Profile) (jobEngine, error) {
		eng, err := newEngine(p, r.tempDir, lg, pipeline.WithTracker(metrics.GaugeTracker{}))
		if err != nil {
			return nil, err
		}
		return eng, nil
	}
	return r
}

// Close releases every cached engine. Call it only after the consumer has stopped.
func (r *jobRunner) Close() error {
	var errs error
	for id, engines := range r.engines {
		for kind, eng := range engines {
			if err := eng.Close(); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "close %s engine of worker %d", kind, id))
			}
		}
		r.engines[id] = nil
	}
	return errs
}

// pipelineFor returns the worker's pipeline for strategy, building it on first use.
func (r *jobRunner) pipelineFor(workerID int, strategy string) (jobEngine, error) {
	prof := r.profile
	if strategy != "" {
		kind, err := detector.ParseKind(strategy)
		if err != nil {
			return nil, err
		}
		if kind != prof.Detector.Kind {
			if prof, err = withStrategy(prof, kind); err != nil {
				return nil, err
			}
		}
	}

	if r.engines[workerID] == nil {
		r.engines[workerID] = map[detector.Kind]jobEngine{}
	}
	if p, ok := r.engines[workerID][prof.Detector.Kind]; ok {
		return p, nil
	}
	p, err := r.build(prof)
	if err != nil {
		return nil, err
	}
	r.engines[workerID][prof.Detector.Kind] = p
	return p, nil
}

// handle runs one job. Errors retrying cannot fix are marked permanent after
// the failure has been reported on the status queue.
func (r *jobRunner) handle(ctx context.Context, workerID int, body []byte) error {
	job, err := queue.DecodeJob(body)
	if err != nil {
		return err
	}
	lg := r.log.With(zap.String("job_id", job.JobID.String()), zap.Int("worker_id", workerID))

	pipe, err := r.pipelineFor(workerID, job.Strategy)
	if err != nil {
		lg.Warn("rejecting job", zap.Error(err))
		return r.reject(ctx, job, err)
	}

	dir, err := os.MkdirTemp(r.tempDir, "puppysense-job-*")
	if err != nil {
		return errors.Wrap(err, "create job dir")
	}
	defer os.RemoveAll(dir)

	in, err := r.fetch.FetchMedia(ctx, job.MediaKey, filepath.Join(dir, path.Base(job.MediaKey)), job.MIMEType)
	if blob.IsNotFound(err) {
		return r.reject(ctx, job, err)
	}
	if err != nil {
		return err
	}

	lg.Info("job started", zap.String("media_key", job.MediaKey), zap.String("mime", in.MIMEType))
	res, runErr := pipe.Run(ctx, in)
	if runErr != nil && errors.Is(runErr, types.ErrCancelled) {
		// Only shutdown cancels a job; the consumer hands it back.
		return runErr
	}

	keys, err := r.sink.save(ctx, in, res)
	if err != nil {
		return err
	}

	status := queue.Status{
		JobID:  job.JobID,
		RunID:  res.RunID,
		State:  res.State.Kind.String(),
		Frames: len(res.Frames),
	}
	for _, k := range keys {
		if k != "" {
			status.Keys = append(status.Keys, k)
		}
	}
	if runErr != nil {
		status.Reason = runErr.Error()
	}
	if err := r.status.PublishStatus(ctx, status); err != nil {
		return err
	}

	lg.Info("job finished",
		zap.String("run_id", res.RunID.String()),
		zap.String("state", status.State),
		zap.Int("frames", status.Frames),
		zap.Int("sampled", res.Sampled))

	if runErr != nil && types.IsSetupFault(runErr) {
		return queue.Permanent(runErr)
	}
	return runErr
}

// reject reports a job that can never succeed and marks err permanent.
func (r *jobRunner) reject(ctx context.Context, job queue.Job, err error) error {
	status := queue.Status{JobID: job.JobID, State: types.StateFailed.String(), Reason: err.Error()}
	if perr := r.status.PublishStatus(ctx, status); perr != nil {
		return perr
	}
	return queue.Permanent(err)
}

func runWorker(ctx context.Context) error {
	prof, err := config.LoadProfile(profile)
	if err != nil {
		utils.ShowError("Invalid detection profile", err, nil)
		return reported(err)
	}

	if infra.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, infra.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	blobs, err := newBlobStorage(ctx)
	if err != nil {
		return err
	}
	pub, conn, err := dialPublisher()
	if err != nil {
		return err
	}
	defer conn.Close()

	runner := newJobRunner(prof, infra.WorkerCount, log)
	runner.fetch = blobs
	runner.sink = sink{db: db, blobs: blobs, log: log}
	runner.status = pub
	runner.tempDir = infra.TempDir

	consumer, err := queue.NewConsumer(consumerConfig(), runner.handle, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	srv := metrics.StartServer(infra.MetricsPort, log)

	log.Info("worker ready",
		zap.String("strategy", string(prof.Detector.Kind)),
		zap.Int("workers", infra.WorkerCount),
		zap.String("queue", infra.RabbitMQJobQueue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if cerr := runner.Close(); cerr != nil {
		log.Warn("failed to close detectors", zap.Error(cerr))
	}
	return err
}
