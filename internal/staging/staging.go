// Package staging materializes chunked segments as per-segment frame directories that the
// encoder reads from.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/fileutil"
	"github.com/agleyzer/semhls/internal/segment"
)

// FramePattern is the printf pattern of staged frame files, numbered from 0 within a segment.
const FramePattern = "frame%04d.jpg"

// Materializer copies source frames into <Root>/<segment name>/.
type Materializer struct {
	Root   string
	logger *slog.Logger
}

// New creates a Materializer rooted at root.
func New(root string, logger *slog.Logger) *Materializer {
	return &Materializer{Root: root, logger: logger}
}

// Reset deletes and recreates the staging root.
func (m *Materializer) Reset() error {
	if err := os.RemoveAll(m.Root); err != nil {
		return &errs.SourceIOError{Op: "remove staging root", Path: m.Root, Err: err}
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return &errs.SourceIOError{Op: "create staging root", Path: m.Root, Err: err}
	}
	m.logger.Info("reset staging root", "path", m.Root)
	return nil
}

// Scratch returns a materializer for a sibling tree of Root. Staging a new run there leaves
// the segments under Root untouched until Promote.
func (m *Materializer) Scratch(runID string) *Materializer {
	return &Materializer{Root: filepath.Clean(m.Root) + ".next-" + runID, logger: m.logger}
}

// Promote replaces root with m's tree. m.Root no longer exists afterwards.
func (m *Materializer) Promote(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return &errs.SourceIOError{Op: "remove staging root", Path: root, Err: err}
	}
	if err := os.Rename(m.Root, root); err != nil {
		return &errs.SourceIOError{Op: "promote staging root", Path: m.Root, Err: err}
	}
	m.logger.Info("promoted staged segments", "from", m.Root, "root", root)
	return nil
}

// Discard removes m's tree. It is a no-op after Promote.
func (m *Materializer) Discard() {
	if err := os.RemoveAll(m.Root); err != nil {
		m.logger.Warn("failed to remove scratch staging root", "path", m.Root, "error", err)
	}
}

// Rebase points every segment's Dir at the directory of the same name under root.
func Rebase(segments []segment.Segment, root string) []segment.Segment {
	out := make([]segment.Segment, len(segments))
	for i, seg := range segments {
		seg.Dir = filepath.Join(root, seg.Name())
		out[i] = seg
	}
	return out
}

// Verify reports a staged segment whose directory does not hold exactly its frames.
func Verify(seg segment.Segment) error {
	if seg.Dir == "" {
		return &errs.SourceIOError{Op: fmt.Sprintf("verify segment %d", seg.Ordinal), Err: errors.New("segment has not been staged")}
	}
	entries, err := os.ReadDir(seg.Dir)
	if err != nil {
		return &errs.SourceIOError{Op: fmt.Sprintf("verify segment %d", seg.Ordinal), Path: seg.Dir, Err: err}
	}
	if len(entries) != len(seg.Frames) {
		return &errs.SourceIOError{
			Op:   fmt.Sprintf("verify segment %d", seg.Ordinal),
			Path: seg.Dir,
			Err:  fmt.Errorf("found %d staged frames, want %d", len(entries), len(seg.Frames)),
		}
	}
	for idx := range seg.Frames {
		path := filepath.Join(seg.Dir, fmt.Sprintf(FramePattern, idx))
		if _, err := os.Stat(path); err != nil {
			return &errs.SourceIOError{Op: fmt.Sprintf("verify segment %d", seg.Ordinal), Path: path, Err: err}
		}
	}
	return nil
}

// Stage copies every segment's frames from frameDir. The returned segments have Dir set.
// A missing frame aborts staging.
func (m *Materializer) Stage(ctx context.Context, segments []segment.Segment, frameDir string) ([]segment.Segment, error) {
	out := make([]segment.Segment, len(segments))
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := filepath.Join(m.Root, seg.Name())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errs.SourceIOError{Op: "create segment dir", Path: dir, Err: err}
		}

		for idx, frame := range seg.Frames {
			src := filepath.Join(frameDir, frame)
			dst := filepath.Join(dir, fmt.Sprintf(FramePattern, idx))
			if err := fileutil.CopyFile(src, dst); err != nil {
				return nil, &errs.SourceIOError{Op: fmt.Sprintf("stage frame for segment %d", seg.Ordinal), Path: src, Err: err}
			}
		}

		seg.Dir = dir
		out[i] = seg
		m.logger.Debug("staged segment", "name", seg.Name(), "frames", len(seg.Frames))
	}

	m.logger.Info("staged segments", "count", len(out), "root", m.Root)
	return out, nil
}
