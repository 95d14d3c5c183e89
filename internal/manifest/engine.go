// Package manifest maintains the running channel playlists of an output tree. Every append
// is committed to the ledger first and the channel file is then regenerated from it.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/fileutil"
	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/metrics"
	"github.com/agleyzer/semhls/internal/parser"
	"github.com/agleyzer/semhls/internal/playlist"
	"github.com/agleyzer/semhls/internal/variant"
)

// Request appends one encoded segment to a channel.
type Request struct {
	Channel variant.Channel
	// Sequence is the 1-based position the entry must take in the channel.
	Sequence int
	// SourcePlaylist is the tagged single-segment encoder playlist.
	SourcePlaylist string
	// SourceMedia is the encoder's media file for the segment. Empty resolves the
	// playlist's segment URI against the playlist directory.
	SourceMedia string
	// NextRiskLevel is the lookahead level of the following segment, if any.
	NextRiskLevel *int
}

// Engine appends entries to channel playlists under OutputDir.
type Engine struct {
	outputDir string
	ledger    ledger.Ledger
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine writing into outputDir. metrics may be nil.
func NewEngine(outputDir string, l ledger.Ledger, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		outputDir: outputDir,
		ledger:    l,
		metrics:   m,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Ledger returns the engine's ledger.
func (e *Engine) Ledger() ledger.Ledger {
	return e.ledger
}

func (e *Engine) channelLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func spec(c variant.Channel) ledger.ChannelSpec {
	return ledger.ChannelSpec{Key: c.Key(), Privacy: c.Variant.IsPrivacy()}
}

// Initialize declares channels for a new run. Existing entries of those channels are discarded.
func (e *Engine) Initialize(ctx context.Context, runID string, channels []variant.Channel) error {
	specs := make([]ledger.ChannelSpec, 0, len(channels))
	for _, c := range channels {
		specs = append(specs, spec(c))
	}

	if err := e.ledger.Apply(ctx, ledger.NewInitialize(runID, specs)); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}

	e.logger.Info("initialized channels", "run_id", runID, "channels", len(channels))
	return nil
}

// Append adds the segment described by req to its channel and rewrites the channel playlist.
func (e *Engine) Append(ctx context.Context, req Request) error {
	key := req.Channel.Key()
	lock := e.channelLock(key)
	lock.Lock()
	defer lock.Unlock()

	info, err := parser.ParseSegmentFile(req.SourcePlaylist)
	if err != nil {
		return annotate(err, key, req.Sequence, req.SourcePlaylist)
	}

	privacy := req.Channel.Variant.IsPrivacy()
	if info.Tags.Privacy != privacy {
		return &errs.ConsistencyError{
			Channel:  key,
			Sequence: req.Sequence,
			Reason:   fmt.Sprintf("privacy tag %v does not match channel", info.Tags.Privacy),
		}
	}

	if current, _ := e.ledger.Channel(key); current.State == ledger.Closed {
		return &errs.ConsistencyError{Channel: key, Sequence: req.Sequence, Reason: "channel is closed"}
	} else if want := len(current.Entries) + 1; req.Sequence != want {
		return &errs.ConsistencyError{
			Channel:  key,
			Sequence: req.Sequence,
			Reason:   fmt.Sprintf("expected sequence %d", want),
		}
	}

	source := req.SourceMedia
	if source == "" {
		source = filepath.Join(filepath.Dir(req.SourcePlaylist), filepath.FromSlash(info.URI))
	}

	// The media is copied under a hidden name and only takes its public name once the
	// ledger accepted the entry.
	mediaName := req.Channel.MediaName(req.Sequence)
	tmp, err := fileutil.CopyToTemp(source, e.outputDir, mediaName)
	if err != nil {
		return &errs.SourceIOError{Op: "copy segment media", Path: source, Err: err}
	}
	defer os.Remove(tmp)

	entry := ledger.Entry{
		Sequence:      req.Sequence,
		RiskType:      info.Tags.Type,
		RiskLevel:     info.Tags.Level,
		Privacy:       privacy,
		NextRiskLevel: req.NextRiskLevel,
		Duration:      info.Duration,
		Title:         info.Title,
		URI:           mediaName,
	}
	header := ledger.Header{
		Version:             info.Header.Version,
		TargetDuration:      info.Header.TargetDuration,
		PlaylistType:        info.Header.PlaylistType,
		IndependentSegments: info.Header.IndependentSegments,
	}

	if err := e.ledger.Apply(ctx, ledger.NewAppend(spec(req.Channel), header, entry)); err != nil {
		return err
	}

	dst := filepath.Join(e.outputDir, mediaName)
	if err := os.Rename(tmp, dst); err != nil {
		return &errs.SourceIOError{Op: "publish segment media", Path: dst, Err: err}
	}

	ch, _ := e.ledger.Channel(key)
	if err := e.write(req.Channel.PlaylistName(), ch); err != nil {
		return err
	}

	e.metrics.ObserveAppend(key, len(ch.Entries))
	e.logger.Debug("appended segment",
		"channel", key,
		"sequence", req.Sequence,
		"uri", mediaName,
		"duration", info.Duration)
	return nil
}

// Close finalizes a channel. Further appends are rejected.
func (e *Engine) Close(ctx context.Context, c variant.Channel) error {
	key := c.Key()
	lock := e.channelLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := e.ledger.Apply(ctx, ledger.NewClose(key)); err != nil {
		return err
	}
	e.logger.Info("closed channel", "channel", key)
	return nil
}

// RenderAll regenerates every channel playlist from the ledger.
func (e *Engine) RenderAll(channels []variant.Channel) error {
	for _, c := range channels {
		lock := e.channelLock(c.Key())
		lock.Lock()
		ch, _ := e.ledger.Channel(c.Key())
		err := e.write(c.PlaylistName(), ch)
		lock.Unlock()
		if err != nil {
			return err
		}
		e.metrics.SetChannelEntries(c.Key(), len(ch.Entries))
	}
	return nil
}

func (e *Engine) write(name string, ch ledger.ChannelLog) error {
	path := filepath.Join(e.outputDir, name)
	if err := fileutil.WriteFile(path, []byte(playlist.RenderMedia(ch)), 0o644); err != nil {
		return &errs.SourceIOError{Op: "write playlist", Path: path, Err: err}
	}
	return nil
}

func annotate(err error, key string, seq int, path string) error {
	var ce *errs.ConsistencyError
	if errors.As(err, &ce) {
		ce.Channel = key
		ce.Sequence = seq
		return ce
	}
	return &errs.SourceIOError{Op: "read encoder playlist", Path: path, Err: err}
}
