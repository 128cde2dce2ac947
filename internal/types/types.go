package types

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
)

// MediaInput is the caller-owned handle to an uploaded file.
// The pipeline borrows it for the duration of one run and never mutates it.
type MediaInput struct {
	Path     string
	MIMEType string
	Size     int64
	Duration float64 // seconds, 0 when unknown
}

// IsImage reports whether the declared MIME type is image/*.
func (m MediaInput) IsImage() bool { return hasTopLevel(m.MIMEType, "image") }

// IsVideo reports whether the declared MIME type is video/*.
func (m MediaInput) IsVideo() bool { return hasTopLevel(m.MIMEType, "video") }

// SampleFrame is a still extracted at Timestamp. It only lives for one iteration.
type SampleFrame struct {
	Image     image.Image
	Timestamp float64
	Index     int

	release func()
}

// NewSampleFrame builds a frame whose release hook runs exactly once.
func NewSampleFrame(img image.Image, ts float64, index int, release func()) SampleFrame {
	return SampleFrame{Image: img, Timestamp: ts, Index: index, release: release}
}

// Release drops the pixel buffer and runs the release hook, if any.
func (f *SampleFrame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	f.Image = nil
}

// Point is a pixel-space coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box given by two corners.
type Box struct {
	TopLeft     Point `json:"top_left"`
	BottomRight Point `json:"bottom_right"`
}

// Rect converts the box to an integer rectangle, clamped to bounds.
func (b Box) Rect(bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(b.TopLeft.X), int(b.TopLeft.Y), int(b.BottomRight.X), int(b.BottomRight.Y))
	return r.Intersect(bounds)
}

// Slice returns the box as [x1, y1, x2, y2].
func (b Box) Slice() []float64 {
	return []float64{b.TopLeft.X, b.TopLeft.Y, b.BottomRight.X, b.BottomRight.Y}
}

// BoxFromSlice is the inverse of Box.Slice. Short slices yield a zero box.
func BoxFromSlice(v []float64) Box {
	if len(v) < 4 {
		return Box{}
	}
	return Box{TopLeft: Point{X: v[0], Y: v[1]}, BottomRight: Point{X: v[2], Y: v[3]}}
}

// Detection is one model output for a frame.
type Detection struct {
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
}

// AcceptedFrame is a SampleFrame promoted to a retained result.
type AcceptedFrame struct {
	Index       int     `json:"index"`
	Timestamp   float64 `json:"timestamp"`
	Confidence  float64 `json:"confidence"`
	Box         Box     `json:"box"`
	Label       string  `json:"label"`
	ContentType string  `json:"content_type"`
	Placeholder bool    `json:"placeholder"`
	Blob        []byte  `json:"-"`
}

// Release drops the encoded blob. The frame metadata stays readable.
func (f *AcceptedFrame) Release() {
	f.Blob = nil
}

// StateKind enumerates pipeline states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateLoadingModel
	StateSampling
	StateDetecting
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"Idle", "LoadingModel", "Sampling", "Detecting", "Completed", "Failed", "Cancelled"}

func (k StateKind) String() string {
	if int(k) < len(stateNames) {
		return stateNames[k]
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// Terminal reports whether no further transition is possible.
func (k StateKind) Terminal() bool {
	return k == StateCompleted || k == StateFailed || k == StateCancelled
}

// PipelineState is the single active state of a run.
type PipelineState struct {
	Kind       StateKind
	FrameIndex int
	Reason     error
}

func (s PipelineState) String() string {
	switch s.Kind {
	case StateSampling, StateDetecting:
		return fmt.Sprintf("%s(%d)", s.Kind, s.FrameIndex)
	case StateFailed:
		if s.Reason != nil {
			return fmt.Sprintf("Failed(%v)", s.Reason)
		}
	}
	return s.Kind.String()
}

// RunResult is what a finished run hands back to its caller.
type RunResult struct {
	RunID      uuid.UUID
	MediaID    string
	Strategy   string
	Frames     []AcceptedFrame
	Sampled    int
	Faults     int
	State      PipelineState
	StartedAt  time.Time
	FinishedAt time.Time
}
