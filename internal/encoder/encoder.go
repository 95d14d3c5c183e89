// Package encoder runs the external encoder for one segment and one profile and reports the
// single-segment HLS output it leaves behind.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/staging"
	"github.com/agleyzer/semhls/internal/variant"
)

// DefaultBinary is the encoder executable looked up on PATH.
const DefaultBinary = "ffmpeg"

// stderrTailBytes bounds the encoder diagnostics kept on failure.
const stderrTailBytes = 4096

// Job is one encode of a staged segment at one profile.
type Job struct {
	Segment segment.Segment
	Profile variant.Profile
}

// Output describes what the encoder produced for a job.
type Output struct {
	// Dir is the job's work directory.
	Dir string
	// Playlist is the encoder's playlist path.
	Playlist string
	// Media lists the produced media files in name order.
	Media []string
}

// Encoder encodes staged segments.
type Encoder interface {
	Encode(ctx context.Context, job Job) (Output, error)
}

// commandRunner executes a command and returns its stderr.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg encodes with the ffmpeg CLI using a fixed HLS command template.
type FFmpeg struct {
	Binary       string
	FrameRate    int
	ChunkSeconds int
	// WorkRoot holds the per-job work directories.
	WorkRoot string

	logger *slog.Logger
	run    commandRunner
}

// NewFFmpeg constructs an FFmpeg encoder. An empty binary selects DefaultBinary.
func NewFFmpeg(binary string, frameRate, chunkSeconds int, workRoot string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = DefaultBinary
	}
	return &FFmpeg{
		Binary:       binary,
		FrameRate:    frameRate,
		ChunkSeconds: chunkSeconds,
		WorkRoot:     workRoot,
		logger:       logger,
		run:          defaultCommandRunner,
	}
}

// WithCommandRunner replaces command execution, for tests.
func (f *FFmpeg) WithCommandRunner(r commandRunner) {
	if f != nil && r != nil {
		f.run = r
	}
}

// WorkDir returns the work directory of a job.
func (f *FFmpeg) WorkDir(job Job) string {
	name := fmt.Sprintf("temp_%s_%s_%d", job.Profile.Name, job.Segment.Variant, job.Segment.Ordinal)
	return filepath.Join(f.WorkRoot, name)
}

// Args returns the encoder arguments for a job writing into workDir.
func (f *FFmpeg) Args(job Job, workDir string) ([]string, error) {
	scale, err := job.Profile.ScaleFilter()
	if err != nil {
		return nil, errs.Configf("profiles", "%v", err)
	}

	fps := strconv.Itoa(f.FrameRate)
	return []string{
		"-y",
		"-framerate", fps,
		"-start_number", "0",
		"-i", filepath.Join(job.Segment.Dir, staging.FramePattern),
		"-vf", scale + ",setpts=PTS-STARTPTS",
		"-r", fps,
		"-c:v", "libx264",
		"-b:v", job.Profile.Bitrate,
		"-preset", "fast",
		"-g", fps,
		"-keyint_min", fps,
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*1)",
		"-hls_time", strconv.Itoa(f.ChunkSeconds),
		"-hls_flags", "independent_segments+program_date_time",
		"-hls_playlist_type", "event",
		"-hls_segment_filename", filepath.Join(workDir, job.Profile.Name+"_%04d.ts"),
		"-f", "hls",
		filepath.Join(workDir, job.Profile.Name+".m3u8"),
	}, nil
}

// Encode implements Encoder. The work directory is recreated for every job. A failed
// invocation is reported as an *errs.EncoderError and never retried.
func (f *FFmpeg) Encode(ctx context.Context, job Job) (Output, error) {
	if job.Segment.Dir == "" {
		return Output{}, fmt.Errorf("segment %d has not been staged", job.Segment.Ordinal)
	}

	workDir := f.WorkDir(job)
	if err := os.RemoveAll(workDir); err != nil {
		return Output{}, &errs.SourceIOError{Op: "remove work dir", Path: workDir, Err: err}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Output{}, &errs.SourceIOError{Op: "create work dir", Path: workDir, Err: err}
	}

	args, err := f.Args(job, workDir)
	if err != nil {
		return Output{}, err
	}

	f.logger.Debug("running encoder",
		"segment", job.Segment.Ordinal,
		"profile", job.Profile.Name,
		"variant", job.Segment.Variant.String(),
		"command", f.Binary+" "+strings.Join(args, " "))

	stderr, err := f.run(ctx, f.Binary, args...)
	if err != nil {
		encErr := &errs.EncoderError{
			Ordinal:  job.Segment.Ordinal,
			Profile:  job.Profile.Name,
			Variant:  job.Segment.Variant.String(),
			ExitCode: -1,
			Stderr:   tail(stderr, stderrTailBytes),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			encErr.ExitCode = exitErr.ExitCode()
		}
		return Output{}, encErr
	}

	return collect(workDir, job.Profile.Name)
}

func collect(workDir, profile string) (Output, error) {
	out := Output{
		Dir:      workDir,
		Playlist: filepath.Join(workDir, profile+".m3u8"),
	}
	if _, err := os.Stat(out.Playlist); err != nil {
		return Output{}, &errs.SourceIOError{Op: "locate encoder playlist", Path: out.Playlist, Err: err}
	}

	media, err := filepath.Glob(filepath.Join(workDir, profile+"_*.ts"))
	if err != nil {
		return Output{}, fmt.Errorf("list encoder media: %w", err)
	}
	sort.Strings(media)
	out.Media = media
	return out, nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// CheckBinary reports a missing encoder executable as a configuration error.
func CheckBinary(binary string) error {
	if binary == "" {
		binary = DefaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errs.Configf("encoder.binary", "encoder %q not found: %v", binary, err)
	}
	return nil
}
