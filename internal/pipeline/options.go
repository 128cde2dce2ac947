package pipeline

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	maxResults           int
	maxConsecutiveFaults int
	modelLoadTimeout     time.Duration
	threshold            float64
	interval             time.Duration

	normalizer Normalizer
	opener     SourceOpener
	packager   Packager
	observer   Observer
	tracker    ResourceTracker
	log        *zap.Logger
}

// Option configures a Pipeline.
type Option func(*options)

// WithMaxResults caps the number of accepted frames. Values below 1 are ignored.
func WithMaxResults(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithMaxConsecutiveFaults fails the run once more than n frames in a row
// are skipped. Zero means no limit.
func WithMaxConsecutiveFaults(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxConsecutiveFaults = n
		}
	}
}

func WithModelLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.modelLoadTimeout = d
		}
	}
}

// WithThreshold overrides the detector's acceptance threshold.
func WithThreshold(t float64) Option {
	return func(o *options) { o.threshold = t }
}

// WithInterval overrides the detector's sampling interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

func WithNormalizer(n Normalizer) Option {
	return func(o *options) { o.normalizer = n }
}

func WithOpener(s SourceOpener) Option {
	return func(o *options) { o.opener = s }
}

func WithPackager(p Packager) Option {
	return func(o *options) { o.packager = p }
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithTracker(t ResourceTracker) Option {
	return func(o *options) {
		if t != nil {
			o.tracker = t
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
