// Package pipeline drives a run end to end: chunk the annotated frames, stage them, encode every
// segment at every profile, then tag and append the results to the output tree in order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/agleyzer/semhls/internal/catalog"
	"github.com/agleyzer/semhls/internal/encoder"
	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/manifest"
	"github.com/agleyzer/semhls/internal/metrics"
	"github.com/agleyzer/semhls/internal/playlist"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/staging"
	"github.com/agleyzer/semhls/internal/subtitle"
	"github.com/agleyzer/semhls/internal/timeline"
)

// LockName is the writer lock file kept in the output directory.
const LockName = ".semhls.lock"

// Summary reports what a run produced.
type Summary struct {
	RunID string
	// Segments counts the segments of each variant's set.
	Segments map[segment.Variant]int
	// DroppedFrames is the trailing remainder left out of the clear set.
	DroppedFrames int
	// Appends counts the channel entries written by this run.
	Appends int
	// Skipped counts segments already present in every channel of their variant.
	Skipped int
}

// Orchestrator sequences the pipeline phases for one output tree.
type Orchestrator struct {
	opts    Options
	encoder encoder.Encoder
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Orchestrator. metrics may be nil.
func New(opts Options, enc encoder.Encoder, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if opts.SubtitleLanguage == "" {
		opts.SubtitleLanguage = "ko"
	}
	if opts.SubtitleLabels.ByType == nil && opts.SubtitleLabels.Unknown == "" {
		opts.SubtitleLabels = subtitle.DefaultLabels()
	}
	return &Orchestrator{
		opts:    opts,
		encoder: enc,
		metrics: m,
		logger:  logger,
	}
}

// WithLedger makes the orchestrator append through l instead of the local sidecar ledger.
// The caller owns l.
func (o *Orchestrator) WithLedger(l ledger.Ledger) *Orchestrator {
	o.ledger = l
	return o
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Run executes every phase.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if err := o.opts.Validate(); err != nil {
		return Summary{}, err
	}
	if o.encoder == nil {
		return Summary{}, errs.Configf("encoder", "is required")
	}

	unlock, err := o.lock()
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	store, err := catalog.Open(o.opts.CatalogPath)
	if err != nil {
		return Summary{}, err
	}
	defer store.Close()

	sets, summary, err := o.segmentSets(ctx, store)
	if err != nil {
		return Summary{}, err
	}

	eng, release, err := o.openEngine(ctx, summary.RunID)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	if err := o.verifyPending(eng, sets); err != nil {
		return Summary{}, err
	}

	if o.opts.Capabilities.Subtitles {
		if err := o.writeSubtitles(sets[segment.Clear]); err != nil {
			return Summary{}, err
		}
	}

	for _, v := range o.opts.Variants() {
		appends, skipped, err := o.encodeSet(ctx, eng, v, sets[v])
		summary.Appends += appends
		summary.Skipped += skipped
		if err != nil {
			return summary, err
		}
	}

	if o.opts.Finalize {
		if err := o.finalize(ctx, eng); err != nil {
			return summary, err
		}
	}

	o.logger.Info("run complete",
		"run_id", summary.RunID,
		"appends", summary.Appends,
		"skipped", summary.Skipped,
		"output", o.opts.OutputDir)
	return summary, nil
}

// Chunk runs the chunk, stage and persist phases only.
func (o *Orchestrator) Chunk(ctx context.Context) (Summary, error) {
	opts := o.opts
	opts.Rechunk = true
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}

	unlock, err := o.lock()
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	store, err := catalog.Open(o.opts.CatalogPath)
	if err != nil {
		return Summary{}, err
	}
	defer store.Close()

	_, summary, err := o.rechunk(ctx, store)
	return summary, err
}

// WriteMaster writes the master playlist and empties every channel playlist.
func (o *Orchestrator) WriteMaster() error {
	m := playlist.Master{
		Refs:  playlist.RefsFor(o.opts.Channels()),
		Audio: o.opts.Capabilities.Audio,
	}
	if o.opts.Capabilities.Subtitles {
		m.Subtitles = &playlist.SubtitleGroup{
			Language: o.opts.SubtitleLanguage,
			URI:      subtitle.PlaylistName,
		}
	}
	if err := playlist.WriteMaster(o.opts.OutputDir, m); err != nil {
		return err
	}
	o.logger.Info("wrote master playlist", "streams", len(m.Refs), "dir", o.opts.OutputDir)
	return nil
}

// WriteSubtitles writes the subtitle track of the latest persisted clear set.
func (o *Orchestrator) WriteSubtitles(ctx context.Context) error {
	store, err := catalog.Open(o.opts.CatalogPath)
	if err != nil {
		return err
	}
	defer store.Close()

	_, segs, err := store.LatestSet(ctx, segment.Clear)
	if err != nil {
		return err
	}
	return o.writeSubtitles(segs)
}

// Render regenerates every channel playlist from the persisted ledger.
func (o *Orchestrator) Render(ctx context.Context) error {
	unlock, err := o.lock()
	if err != nil {
		return err
	}
	defer unlock()

	l, release, err := o.openLedger(false)
	if err != nil {
		return err
	}
	defer release()

	return manifest.NewEngine(o.opts.OutputDir, l, o.metrics, o.logger).RenderAll(o.opts.Channels())
}

func (o *Orchestrator) lock() (func(), error) {
	if err := os.MkdirAll(o.opts.OutputDir, 0o755); err != nil {
		return nil, &errs.SourceIOError{Op: "create output dir", Path: o.opts.OutputDir, Err: err}
	}

	fl := flock.New(filepath.Join(o.opts.OutputDir, LockName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	if !ok {
		return nil, &errs.ConsistencyError{Channel: o.opts.OutputDir, Reason: "output tree is locked by another writer"}
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			o.logger.Warn("failed to release output lock", "error", err)
		}
	}, nil
}

func (o *Orchestrator) segmentSets(ctx context.Context, store *catalog.Store) (map[segment.Variant][]segment.Segment, Summary, error) {
	if o.opts.Rechunk {
		return o.rechunk(ctx, store)
	}

	variants := o.opts.Variants()
	runID, err := store.LatestRun(ctx, variants)
	if err != nil {
		return nil, Summary{}, err
	}

	sets := make(map[segment.Variant][]segment.Segment)
	summary := Summary{RunID: runID, Segments: make(map[segment.Variant]int)}
	for _, v := range variants {
		segs, err := store.Set(ctx, runID, v)
		if err != nil {
			return nil, Summary{}, err
		}
		sets[v] = segs
		summary.Segments[v] = len(segs)
		o.logger.Info("loaded segment set", "variant", v, "run_id", runID, "segments", len(segs))
	}
	return sets, summary, nil
}

func (o *Orchestrator) rechunk(ctx context.Context, store *catalog.Store) (map[segment.Variant][]segment.Segment, Summary, error) {
	frames, err := timeline.Load(o.opts.AnnotationPath, o.opts.Range)
	if err != nil {
		return nil, Summary{}, err
	}
	n, err := segment.ChunkSize(o.opts.FrameRate, o.opts.ChunkSeconds)
	if err != nil {
		return nil, Summary{}, err
	}

	results := make(map[segment.Variant]segment.Result)
	for _, v := range o.opts.Variants() {
		res, err := segment.Chunk(frames, n, v)
		if err != nil {
			return nil, Summary{}, err
		}
		results[v] = res
	}

	summary := Summary{
		RunID:         uuid.NewString(),
		Segments:      make(map[segment.Variant]int),
		DroppedFrames: results[segment.Clear].Dropped,
	}
	if summary.DroppedFrames > 0 {
		o.logger.Info("dropped trailing frames", "frames", summary.DroppedFrames, "chunk_frames", n)
	}

	// The live staging root and the catalog change only after every variant staged.
	live := staging.New(o.opts.StagingDir, o.logger)
	scratch := live.Scratch(summary.RunID)
	if err := scratch.Reset(); err != nil {
		return nil, Summary{}, err
	}
	defer scratch.Discard()

	sets := make(map[segment.Variant][]segment.Segment)
	for _, v := range o.opts.Variants() {
		staged, err := scratch.Stage(ctx, results[v].Segments, o.opts.frameDir(v))
		if err != nil {
			return nil, Summary{}, err
		}
		sets[v] = staging.Rebase(staged, live.Root)
	}

	err = store.SaveRun(ctx, catalog.Run{
		ID:           summary.RunID,
		FrameRate:    o.opts.FrameRate,
		ChunkSeconds: o.opts.ChunkSeconds,
		StartFrame:   o.opts.Range.Start,
		EndFrame:     o.opts.Range.End,
		Privacy:      o.opts.Capabilities.Privacy,
		Subtitles:    o.opts.Capabilities.Subtitles,
	}, sets)
	if err != nil {
		return nil, Summary{}, err
	}
	if err := scratch.Promote(live.Root); err != nil {
		return nil, Summary{}, err
	}

	for _, v := range o.opts.Variants() {
		summary.Segments[v] = len(sets[v])
		o.metrics.AddChunked(v.String(), len(sets[v]), results[v].Dropped)
		o.logger.Info("chunked frames",
			"variant", v,
			"run_id", summary.RunID,
			"frames", len(frames),
			"segments", len(sets[v]))
	}
	return sets, summary, nil
}

// openEngine prepares the output tree and its ledger. The release func closes a ledger the
// orchestrator opened itself.
func (o *Orchestrator) openEngine(ctx context.Context, runID string) (*manifest.Engine, func(), error) {
	channels := o.opts.Channels()

	if o.opts.InitOutput {
		if err := o.resetOutput(); err != nil {
			return nil, nil, err
		}
		if err := o.WriteMaster(); err != nil {
			return nil, nil, err
		}
	}

	l, release, err := o.openLedger(o.opts.InitOutput)
	if err != nil {
		return nil, nil, err
	}

	eng := manifest.NewEngine(o.opts.OutputDir, l, o.metrics, o.logger)
	if o.opts.InitOutput {
		if err := eng.Initialize(ctx, runID, channels); err != nil {
			release()
			return nil, nil, err
		}
		return eng, release, nil
	}

	if prev := l.RunID(); prev != "" && prev != runID {
		o.logger.Warn("resuming ledger of a different run", "ledger_run_id", prev, "run_id", runID)
	}
	if err := eng.RenderAll(channels); err != nil {
		release()
		return nil, nil, err
	}
	return eng, release, nil
}

func (o *Orchestrator) openLedger(fresh bool) (ledger.Ledger, func(), error) {
	if o.ledger != nil {
		return o.ledger, func() {}, nil
	}

	path := ledger.SidecarPath(o.opts.OutputDir)
	var (
		l   *ledger.Local
		err error
	)
	if fresh {
		l = ledger.NewLocal(path, o.logger)
	} else if l, err = ledger.OpenLocal(path, o.logger); err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

// resetOutput removes everything in the output directory except the writer lock.
func (o *Orchestrator) resetOutput() error {
	entries, err := os.ReadDir(o.opts.OutputDir)
	if err != nil {
		return &errs.SourceIOError{Op: "read output dir", Path: o.opts.OutputDir, Err: err}
	}
	for _, entry := range entries {
		if entry.Name() == LockName {
			continue
		}
		path := filepath.Join(o.opts.OutputDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return &errs.SourceIOError{Op: "reset output dir", Path: path, Err: err}
		}
	}
	o.logger.Info("reset output tree", "dir", o.opts.OutputDir, "removed", len(entries))
	return nil
}

func (o *Orchestrator) writeSubtitles(segs []segment.Segment) error {
	chunk := time.Duration(o.opts.ChunkSeconds) * time.Second
	cues := subtitle.Cues(segs, chunk, o.opts.SubtitleLabels)
	if err := subtitle.Write(o.opts.OutputDir, cues); err != nil {
		return err
	}
	o.logger.Info("wrote subtitles", "cues", len(cues))
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, eng *manifest.Engine) error {
	for _, ch := range o.opts.Channels() {
		if _, ok := eng.Ledger().Channel(ch.Key()); !ok {
			o.logger.Warn("skipping close of unknown channel", "channel", ch.Key())
			continue
		}
		if err := eng.Close(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}
