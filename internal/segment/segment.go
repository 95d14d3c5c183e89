// Package segment defines fixed-duration video segments and the chunker that produces them.
package segment

import (
	"fmt"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/timeline"
)

// Variant identifies one of the parallel renditions of the stream.
type Variant uint8

const (
	// Clear is the unmodified rendition.
	Clear Variant = iota
	// Privacy is the privacy-obscured rendition (blurred or face-swapped frames).
	Privacy
)

// String returns the tag used in segment names and channel keys.
func (v Variant) String() string {
	switch v {
	case Clear:
		return "clear"
	case Privacy:
		return "privacy"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// IsPrivacy reports whether v is the privacy rendition.
func (v Variant) IsPrivacy() bool { return v == Privacy }

// ParseVariant is the inverse of Variant.String.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "clear":
		return Clear, nil
	case "privacy":
		return Privacy, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}

// Segment is a fixed frame-count unit of video with one inherited risk classification.
type Segment struct {
	// Ordinal is the 1-based, gap-free position of the segment within its run.
	Ordinal int

	// Variant is the rendition this segment was staged for.
	Variant Variant

	// RiskType and RiskLevel are inherited from the first frame of the window.
	RiskType  int
	RiskLevel int

	// FrameCount is the fixed number of frames in every segment of a run.
	FrameCount int

	// Frames holds the source frame identifiers in window order.
	Frames []string

	// Dir is the staging directory holding the numbered frames.
	// Empty until the segment is materialized.
	Dir string
}

// Name serializes the segment identity for directory and catalog use.
func (s Segment) Name() string {
	return fmt.Sprintf("segment_%04d_%s_%d_%d", s.Ordinal, s.Variant, s.RiskType, s.RiskLevel)
}

// ChunkSize returns the number of frames per segment.
func ChunkSize(frameRate, chunkSeconds int) (int, error) {
	if frameRate <= 0 {
		return 0, errs.Configf("frame_rate", "must be positive, got %d", frameRate)
	}
	if chunkSeconds <= 0 {
		return 0, errs.Configf("chunk_seconds", "must be positive, got %d", chunkSeconds)
	}
	return frameRate * chunkSeconds, nil
}

// Result is the output of Chunk.
type Result struct {
	Segments []Segment

	// Dropped is the number of trailing frames that did not fill a segment.
	Dropped int
}

// Chunk partitions frames into consecutive windows of exactly n frames.
// A trailing window shorter than n is dropped, never emitted.
func Chunk(frames []timeline.FrameRecord, n int, variant Variant) (Result, error) {
	if n <= 0 {
		return Result{}, errs.Configf("chunk_size", "must be positive, got %d", n)
	}

	count := len(frames) / n
	segments := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		window := frames[i*n : (i+1)*n]
		ids := make([]string, len(window))
		for j, f := range window {
			ids[j] = f.ID
		}
		segments = append(segments, Segment{
			Ordinal:    i + 1,
			Variant:    variant,
			RiskType:   window[0].RiskType,
			RiskLevel:  window[0].RiskLevel,
			FrameCount: n,
			Frames:     ids,
		})
	}

	return Result{Segments: segments, Dropped: len(frames) - count*n}, nil
}

// NextRiskLevel returns the risk level of the segment following index i, if any.
func NextRiskLevel(segments []Segment, i int) *int {
	if i+1 >= len(segments) {
		return nil
	}
	level := segments[i+1].RiskLevel
	return &level
}
