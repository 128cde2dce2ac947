package types

import (
	"github.com/cockroachdb/errors"
)

// Markers for the run error taxonomy. Concrete errors are marked
// with one of these so callers can classify with errors.Is.
var (
	ErrModelLoad          = errors.New("model load failed")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrInferenceExhausted = errors.New("inference faults exhausted")
	ErrCancelled          = errors.New("run cancelled")

	// Per-frame faults. These never end a run on their own.
	ErrInference    = errors.New("inference failed")
	ErrFrameCapture = errors.New("frame capture failed")
)

// ErrorKind is the user-facing classification of a run error.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindModelLoad          ErrorKind = "ModelLoadError"
	KindUnsupportedFormat  ErrorKind = "UnsupportedFormatError"
	KindInferenceExhausted ErrorKind = "InferenceError"
	KindCancelled          ErrorKind = "CancelledError"
	KindUnknown            ErrorKind = "InternalError"
)

// Classify maps an error onto the run error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrModelLoad):
		return KindModelLoad
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, ErrInferenceExhausted):
		return KindInferenceExhausted
	default:
		return KindUnknown
	}
}

// IsSetupFault reports whether err aborts a run before or during setup.
// Setup faults are retried by restarting the whole run, never resumed.
func IsSetupFault(err error) bool {
	return errors.Is(err, ErrModelLoad) || errors.Is(err, ErrUnsupportedFormat)
}

// ModelLoadError wraps cause as a model load failure.
func ModelLoadError(cause error, format string, args ...interface{}) error {
	err := errors.Mark(wrapOrNew(cause, format, args...), ErrModelLoad)
	return errors.WithHint(err, "check the model location and retry the full run")
}

// UnsupportedFormatError builds an unsupported-format failure. cause may be nil.
func UnsupportedFormatError(cause error, format string, args ...interface{}) error {
	err := errors.Mark(wrapOrNew(cause, format, args...), ErrUnsupportedFormat)
	return errors.WithHint(err, "convert the file to mp4, webm or ogg and retry the full run")
}

// InferenceError marks cause as a single-frame inference fault.
func InferenceError(cause error, format string, args ...interface{}) error {
	return errors.Mark(wrapOrNew(cause, format, args...), ErrInference)
}

// FrameCaptureError marks cause as a single-frame seek or decode fault.
func FrameCaptureError(cause error, format string, args ...interface{}) error {
	return errors.Mark(wrapOrNew(cause, format, args...), ErrFrameCapture)
}

// InferenceExhaustedError ends a run after too many consecutive frame faults.
func InferenceExhaustedError(cause error, format string, args ...interface{}) error {
	err := errors.Mark(wrapOrNew(cause, format, args...), ErrInferenceExhausted)
	return errors.WithHint(err, "the model failed on every recent frame; retry the full run")
}

// CancelledError records that the caller abandoned the run.
func CancelledError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return errors.Mark(errors.Wrap(cause, "run cancelled"), ErrCancelled)
}

func wrapOrNew(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.NewWithDepthf(2, format, args...)
	}
	return errors.WrapWithDepthf(2, cause, format, args...)
}
