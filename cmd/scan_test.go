package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/puppysense/internal/config"
	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/packaging"
	"github.com/andresmejia3/puppysense/internal/queue"
	"github.com/andresmejia3/puppysense/internal/scoring"
	"github.com/andresmejia3/puppysense/internal/store"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func TestValidateScanFlags(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "video*.mp4")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"Valid options", Options{InputPath: tmpFile.Name(), DebugDir: "debug"}, false},
		{"Input file does not exist", Options{InputPath: "nonexistent.mp4"}, true},
		{"Input is directory", Options{InputPath: tmpDir}, true},
		{"Debug without dir", Options{InputPath: tmpFile.Name(), DebugScreenshots: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateScanFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateScanFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameFileName(t *testing.T) {
	tests := []struct {
		seq  int
		ts   float64
		ext  string
		want string
	}{
		{0, 0, ".jpg", "frame_00_00000000.jpg"},
		{3, 7.5, ".webp", "frame_03_00007500.webp"},
		{9, 29.999, ".png", "frame_09_00029999.png"},
	}
	for _, tt := range tests {
		if got := frameFileName(tt.seq, types.AcceptedFrame{Timestamp: tt.ts}, tt.ext); got != tt.want {
			t.Errorf("frameFileName(%d, %v) = %v, want %v", tt.seq, tt.ts, got, tt.want)
		}
	}
}

func sampleImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 24, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 120, A: 255})
		}
	}
	return img
}

func sampleResult(t *testing.T) (types.RunResult, *packaging.Encoder) {
	t.Helper()
	enc, err := packaging.NewEncoder(packaging.FormatJPEG, 0.9, nil)
	require.NoError(t, err)

	box := types.Box{TopLeft: types.Point{X: 2, Y: 2}, BottomRight: types.Point{X: 12, Y: 10}}
	good := enc.Package(types.NewSampleFrame(sampleImage(), 1.5, 1, nil), types.Detection{Confidence: 0.91, Label: "dog", Box: box})
	bad := enc.Package(types.NewSampleFrame(nil, 4, 4, nil), types.Detection{Confidence: 0.55, Label: "dog"})
	require.False(t, good.Placeholder)
	require.True(t, bad.Placeholder)

	return types.RunResult{
		RunID:    uuid.New(),
		MediaID:  "abc123",
		Strategy: "multiclass",
		Frames:   []types.AcceptedFrame{good, bad},
		Sampled:  5,
		State:    types.PipelineState{Kind: types.StateCompleted},
	}, enc
}

func TestWriteOutputs(t *testing.T) {
	res, _ := sampleResult(t)
	dir := filepath.Join(t.TempDir(), res.RunID.String())

	require.NoError(t, writeOutputs(dir, res, []string{"key/0.jpg", ""}))

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	require.NoError(t, err)

	var m manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, res.RunID.String(), m.RunID)
	assert.Equal(t, "Completed", m.State)
	assert.Equal(t, 5, m.Sampled)
	require.Len(t, m.Frames, 2)

	assert.Equal(t, "frame_00_00001500.jpg", m.Frames[0].File)
	assert.Equal(t, "key/0.jpg", m.Frames[0].ObjectKey)
	assert.Equal(t, 0.91, m.Frames[0].Confidence)
	assert.Empty(t, m.Frames[1].File, "placeholder frames have no file")
	assert.True(t, m.Frames[1].Placeholder)

	img, err := os.ReadFile(filepath.Join(dir, m.Frames[0].File))
	require.NoError(t, err)
	assert.Equal(t, res.Frames[0].Blob, img)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriteDebugFrames(t *testing.T) {
	res, enc := sampleResult(t)
	dir := t.TempDir()

	require.NoError(t, writeDebugFrames(dir, res, enc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "debug_frame_00_00001500.jpg", entries[0].Name())
}

func TestBindProfileFlags(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := &cobra.Command{Use: "flags"}
	addProfileFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--strategy", "FACE", "--threshold", "0.35", "--interval", "250ms", "--labels", "dog,puppy"}))

	v, err := config.NewViper("")
	require.NoError(t, err)
	require.NoError(t, bindProfileFlags(v, cmd.Flags()))

	prof, err := config.LoadProfile(v)
	require.NoError(t, err)
	assert.Equal(t, detector.KindFace, prof.Detector.Kind)
	assert.Equal(t, 0.35, prof.Detector.Threshold)
	assert.Equal(t, 250*time.Millisecond, prof.Detector.Interval)
	assert.Equal(t, []string{"dog", "puppy"}, prof.Detector.MultiClass.Labels)
	// Unset flags leave the defaults alone.
	assert.Equal(t, 10, prof.Pipeline.MaxResults)
	assert.Equal(t, packaging.FormatJPEG, prof.Output.Format)
}

func TestReported(t *testing.T) {
	err := reported(errors.New("boom"))
	assert.True(t, errors.Is(err, errReported))
	assert.Equal(t, "boom", err.Error())
	assert.NoError(t, reported(nil))
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil)
	assert.Contains(t, buf.String(), "No runs found")

	buf.Reset()
	id := uuid.New()
	printRuns(&buf, []store.Run{{ID: id, Path: "/videos/park.mp4", Strategy: "face", State: "Completed", Frames: 3, Sampled: 12, StartedAt: time.Now()}})
	out := buf.String()
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "park.mp4")
	assert.Contains(t, out, "Completed")
}

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	r := store.Run{ID: id, Path: "/videos/park.mp4", MIMEType: "video/mp4", State: "Completed", StartedAt: time.Now()}

	printRun(&buf, r, nil)
	assert.Contains(t, buf.String(), "🐾 Nothing found")

	buf.Reset()
	frames := []store.Frame{
		{Seq: 0, Timestamp: 3, Confidence: 0.9, Label: "dog", ObjectKey: "run/frame_00.jpg"},
		{Seq: 1, Timestamp: 7, Confidence: 0.6, Label: "dog", Placeholder: true},
	}
	printRun(&buf, r, frames)
	out := buf.String()
	assert.Contains(t, out, "00:00:03.000")
	assert.Contains(t, out, "90.0%")
	assert.Contains(t, out, "run/frame_00.jpg")
	assert.Contains(t, out, "(placeholder)")
}

func TestPrintBreakdown(t *testing.T) {
	var buf bytes.Buffer
	printBreakdown(&buf, scoring.Result{Breakdown: map[string]float64{"relaxed": 20, "happy": 70, "alert": 10}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[2], "happy"))
	assert.True(t, strings.HasPrefix(lines[3], "relaxed"))
	assert.True(t, strings.HasPrefix(lines[4], "alert"))
	assert.Contains(t, lines[2], "70.0%")
}

// --- worker job handling ---

type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) FetchMedia(ctx context.Context, key, dest, mimeType string) (types.MediaInput, error) {
	f.calls++
	if f.err != nil {
		return types.MediaInput{}, f.err
	}
	if err := os.WriteFile(dest, []byte("media"), 0644); err != nil {
		return types.MediaInput{}, err
	}
	return types.MediaInput{Path: dest, MIMEType: "video/mp4", Size: 5}, nil
}

type fakeStatus struct {
	sent []queue.Status
	err  error
}

func (f *fakeStatus) PublishStatus(ctx context.Context, s queue.Status) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, s)
	return nil
}

type fakePipeline struct {
	res    types.RunResult
	err    error
	in     types.MediaInput
	closed int
}

func (f *fakePipeline) Run(ctx context.Context, in types.MediaInput) (types.RunResult, error) {
	f.in = in
	return f.res, f.err
}

func (f *fakePipeline) Close() error { f.closed++; return nil }

func newTestRunner(t *testing.T, pipe *fakePipeline) (*jobRunner, *fakeFetcher, *fakeStatus, map[detector.Kind]int) {
	t.Helper()
	prof := &config.Profile{}
	prof.Detector.Kind = detector.KindMultiClass
	prof.Detector.MultiClass.Labels = detector.DefaultLabels
	prof.Pipeline.MaxResults = 10
	prof.Pipeline.MaxDuration = 30 * time.Second
	prof.Output.Format = packaging.FormatJPEG
	prof.Output.Quality = 0.8

	built := map[detector.Kind]int{}
	r := newJobRunner(prof, 2, zap.NewNop())
	r.build = func(p *config.Profile) (jobEngine, error) {
		built[p.Detector.Kind]++
		return pipe, nil
	}
	fetch := &fakeFetcher{}
	status := &fakeStatus{}
	r.fetch = fetch
	r.status = status
	r.tempDir = t.TempDir()
	r.sink = sink{log: zap.NewNop()}
	return r, fetch, status, built
}

func jobBody(t *testing.T, job queue.Job) []byte {
	t.Helper()
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return data
}

func TestJobRunnerCompletes(t *testing.T) {
	pipe := &fakePipeline{res: types.RunResult{
		RunID:  uuid.New(),
		Frames: []types.AcceptedFrame{{Index: 3}, {Index: 7}},
		State:  types.PipelineState{Kind: types.StateCompleted},
	}}
	r, fetch, status, built := newTestRunner(t, pipe)

	err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "job/park.mp4"}))
	require.NoError(t, err)

	assert.Equal(t, 1, fetch.calls)
	assert.Equal(t, "park.mp4", filepath.Base(pipe.in.Path))
	require.Len(t, status.sent, 1)
	assert.Equal(t, "Completed", status.sent[0].State)
	assert.Equal(t, 2, status.sent[0].Frames)
	assert.Equal(t, pipe.res.RunID, status.sent[0].RunID)
	assert.Empty(t, status.sent[0].Reason)

	// The pipeline is reused for the same worker and strategy.
	require.NoError(t, r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "job/park.mp4"})))
	assert.Equal(t, 1, built[detector.KindMultiClass])

	// The job directory is removed afterwards.
	entries, err := os.ReadDir(r.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJobRunnerCloseReleasesEveryEngine(t *testing.T) {
	pipe := &fakePipeline{res: types.RunResult{State: types.PipelineState{Kind: types.StateCompleted}}}
	r, _, _, _ := newTestRunner(t, pipe)

	require.NoError(t, r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.jpg"})))
	require.NoError(t, r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.jpg", Strategy: "face"})))
	require.NoError(t, r.handle(context.Background(), 1, jobBody(t, queue.Job{MediaKey: "a.jpg"})))

	require.NoError(t, r.Close())
	assert.Equal(t, 3, pipe.closed)

	require.NoError(t, r.Close())
	assert.Equal(t, 3, pipe.closed, "engines are closed once")
}

func TestJobRunnerStrategyOverride(t *testing.T) {
	pipe := &fakePipeline{res: types.RunResult{State: types.PipelineState{Kind: types.StateCompleted}}}
	r, _, _, built := newTestRunner(t, pipe)

	require.NoError(t, r.handle(context.Background(), 1, jobBody(t, queue.Job{MediaKey: "a.jpg", Strategy: "face"})))
	assert.Equal(t, 1, built[detector.KindFace])
	assert.Equal(t, 0, built[detector.KindMultiClass])
}

func TestJobRunnerSetupFaultIsPermanent(t *testing.T) {
	fault := types.UnsupportedFormatError(nil, "video/x-flv")
	pipe := &fakePipeline{
		res: types.RunResult{RunID: uuid.New(), State: types.PipelineState{Kind: types.StateFailed, Reason: fault}},
		err: fault,
	}
	r, _, status, _ := newTestRunner(t, pipe)

	err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "clip.flv"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrPermanent))
	require.Len(t, status.sent, 1)
	assert.Equal(t, "Failed", status.sent[0].State)
	assert.NotEmpty(t, status.sent[0].Reason)
}

func TestJobRunnerExhaustedIsRetried(t *testing.T) {
	fault := types.InferenceExhaustedError(nil, "5 frames in a row")
	pipe := &fakePipeline{
		res: types.RunResult{RunID: uuid.New(), State: types.PipelineState{Kind: types.StateFailed, Reason: fault}},
		err: fault,
	}
	r, _, status, _ := newTestRunner(t, pipe)

	err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "clip.mp4"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrPermanent))
	assert.Len(t, status.sent, 1)
}

func TestJobRunnerCancelledIsHandedBack(t *testing.T) {
	pipe := &fakePipeline{
		res: types.RunResult{State: types.PipelineState{Kind: types.StateCancelled}},
		err: types.CancelledError(context.Canceled),
	}
	r, _, status, _ := newTestRunner(t, pipe)

	err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "clip.mp4"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrPermanent))
	assert.Empty(t, status.sent)
}

func TestJobRunnerRejects(t *testing.T) {
	t.Run("bad body", func(t *testing.T) {
		r, fetch, status, _ := newTestRunner(t, &fakePipeline{})
		err := r.handle(context.Background(), 0, []byte("{not json"))
		assert.True(t, errors.Is(err, queue.ErrPermanent))
		assert.Zero(t, fetch.calls)
		assert.Empty(t, status.sent)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		r, fetch, status, _ := newTestRunner(t, &fakePipeline{})
		err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.mp4", Strategy: "sonar"}))
		assert.True(t, errors.Is(err, queue.ErrPermanent))
		assert.Zero(t, fetch.calls)
		require.Len(t, status.sent, 1)
		assert.Equal(t, "Failed", status.sent[0].State)
	})

	t.Run("missing media", func(t *testing.T) {
		r, fetch, status, _ := newTestRunner(t, &fakePipeline{})
		fetch.err = errors.Wrap(miniogo.ErrorResponse{Code: "NoSuchKey"}, "download media a.mp4")
		err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.mp4"}))
		assert.True(t, errors.Is(err, queue.ErrPermanent))
		assert.Len(t, status.sent, 1)
	})

	t.Run("storage down", func(t *testing.T) {
		r, fetch, status, _ := newTestRunner(t, &fakePipeline{})
		fetch.err = errors.New("connection refused")
		err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.mp4"}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, queue.ErrPermanent))
		assert.Empty(t, status.sent)
	})
}

func TestJobRunnerStatusPublishFailureRetries(t *testing.T) {
	pipe := &fakePipeline{res: types.RunResult{State: types.PipelineState{Kind: types.StateCompleted}}}
	r, _, status, _ := newTestRunner(t, pipe)
	status.err = errors.New("channel closed")

	err := r.handle(context.Background(), 0, jobBody(t, queue.Job{MediaKey: "a.mp4"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrPermanent))
}

// TestScanPersistence checks that a finished run and its frames round-trip through the store.
func TestScanPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		testcontainers.SkipIfProviderIsNotHealthy(t)
		return nil
	}()
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("puppysense_test"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(context.Background())

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := store.New(ctx, connStr)
	require.NoError(t, err)
	defer db.Close()

	res, _ := sampleResult(t)
	res.StartedAt = time.Now().Add(-time.Second)
	res.FinishedAt = time.Now()
	in := types.MediaInput{Path: "/tmp/park.mp4", MIMEType: "video/mp4"}

	keys, err := sink{db: db, log: zap.NewNop()}.save(ctx, in, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, keys)

	run, err := db.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Completed", run.State)
	assert.Equal(t, 2, run.Frames)
	assert.Equal(t, 5, run.Sampled)

	frames, err := db.RunFrames(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 1.5, frames[0].Timestamp)
	assert.False(t, frames[0].Placeholder)
	assert.True(t, frames[1].Placeholder)
}
