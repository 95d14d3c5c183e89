package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agleyzer/semhls/internal/catalog"
	"github.com/agleyzer/semhls/internal/encoder"
	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/metrics"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/timeline"
	"github.com/agleyzer/semhls/internal/variant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEncoder writes a one-segment encoder playlist and its media file per job.
type fakeEncoder struct {
	root string

	mu   sync.Mutex
	jobs []string
	fail map[string]bool
}

func (f *fakeEncoder) Encode(ctx context.Context, job encoder.Job) (encoder.Output, error) {
	key := fmt.Sprintf("%s/%s/%d", job.Profile.Name, job.Segment.Variant, job.Segment.Ordinal)
	f.mu.Lock()
	f.jobs = append(f.jobs, key)
	fail := f.fail[key]
	f.mu.Unlock()

	if fail {
		return encoder.Output{}, &errs.EncoderError{
			Ordinal:  job.Segment.Ordinal,
			Profile:  job.Profile.Name,
			Variant:  job.Segment.Variant.String(),
			ExitCode: 1,
			Err:      errors.New("exit status 1"),
		}
	}
	staged, err := os.ReadDir(job.Segment.Dir)
	if err != nil {
		return encoder.Output{}, fmt.Errorf("segment not staged: %w", err)
	}
	if len(staged) != len(job.Segment.Frames) {
		return encoder.Output{}, fmt.Errorf("segment %d staged %d of %d frames", job.Segment.Ordinal, len(staged), len(job.Segment.Frames))
	}

	dir := filepath.Join(f.root, fmt.Sprintf("temp_%s_%s_%d", job.Profile.Name, job.Segment.Variant, job.Segment.Ordinal))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return encoder.Output{}, err
	}
	media := filepath.Join(dir, job.Profile.Name+"_0000.ts")
	if err := os.WriteFile(media, []byte(key), 0o644); err != nil {
		return encoder.Output{}, err
	}
	pl := filepath.Join(dir, job.Profile.Name+".m3u8")
	body := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:1",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-PLAYLIST-TYPE:EVENT",
		"#EXT-X-INDEPENDENT-SEGMENTS",
		"#EXTINF:1.000000,",
		job.Profile.Name + "_0000.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")
	if err := os.WriteFile(pl, []byte(body), 0o644); err != nil {
		return encoder.Output{}, err
	}
	return encoder.Output{Dir: dir, Playlist: pl, Media: []string{media}}, nil
}

func (f *fakeEncoder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// writeInput creates an annotation file and matching frame directories. Frame i (1-based)
// gets risk type i/30 and level (i/30)+1.
// writeInput creates an annotation file and matching frame directories. Frame i (1-based)
// gets risk type i/30 and level (i/30)+1.
func writeInput(t *testing.T, dir string, frames int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("frame,risk,level\n")
	for _, sub := range []string{"frame", "frame_blur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= frames; i++ {
		name := fmt.Sprintf("img_%05d.jpg", i)
		fmt.Fprintf(&b, "%s,%d,%d\n", name, (i-1)/30, (i-1)/30+1)
		for _, sub := range []string{"frame", "frame_blur"} {
			if err := os.WriteFile(filepath.Join(dir, sub, name), []byte(sub), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "output.csv"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testOptions(t *testing.T, frames int) Options {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "input")
	writeInput(t, input, frames)
	return Options{
		AnnotationPath:  filepath.Join(input, "output.csv"),
		ClearFrameDir:   filepath.Join(input, "frame"),
		PrivacyFrameDir: filepath.Join(input, "frame_blur"),
		StagingDir:      filepath.Join(root, "staging"),
		OutputDir:       filepath.Join(root, "hls"),
		CatalogPath:     filepath.Join(root, "catalog.db"),
		FrameRate:       30,
		ChunkSeconds:    1,
		Profiles: []variant.Profile{
			{Name: "720p", Resolution: "1280x720", Bitrate: "2000k", Bandwidth: 2000000},
			{Name: "480p", Resolution: "854x480", Bitrate: "1000k", Bandwidth: 1000000},
		},
		Capabilities: Capabilities{Privacy: true, Subtitles: true},
		Rechunk:      true,
		InitOutput:   true,
		Finalize:     true,
	}
}

func readOutput(t *testing.T, opts Options, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(opts.OutputDir, name))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", name, err)
	}
	return string(data)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func resumeOptions(opts Options) Options {
	opts.Rechunk = false
	opts.InitOutput = false
	return opts
}

func expectKind(t *testing.T, err error, kind string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", kind)
	}
	if got := errs.Kind(err); got != kind {
		t.Fatalf("Expected %s error, got %s (%v)", kind, got, err)
	}
}

func TestRunSeventyFiveFrames(t *testing.T) {
	opts := testOptions(t, 75)
	enc := &fakeEncoder{root: t.TempDir()}

	summary, err := New(opts, enc, metrics.New(), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.RunID == "" {
		t.Error("Expected a run ID")
	}
	if summary.Segments[segment.Clear] != 2 || summary.Segments[segment.Privacy] != 2 {
		t.Errorf("Expected 2 segments per variant, got %v", summary.Segments)
	}
	if summary.DroppedFrames != 15 {
		t.Errorf("Expected 15 dropped frames, got %d", summary.DroppedFrames)
	}
	if summary.Appends != 8 {
		t.Errorf("Expected 8 appends, got %d", summary.Appends)
	}
	if enc.count() != 8 {
		t.Errorf("Expected 8 encoder jobs, got %d", enc.count())
	}

	master := readOutput(t, opts, "master.m3u8")
	for _, want := range []string{"720p.m3u8", "480p_privacy.m3u8", `SUBTITLES="subs"`} {
		if !strings.Contains(master, want) {
			t.Errorf("Master playlist missing %s:\n%s", want, master)
		}
	}

	clear := readOutput(t, opts, "720p.m3u8")
	for _, want := range []string{
		"#EXT-X-SEMANTICTYPE:0\n#EXT-X-SEMANTICLEVEL:1\n#EXT-X-NEXT-SEMANTICLEVEL:2\n",
		"#EXT-X-SEMANTICTYPE:1\n#EXT-X-SEMANTICLEVEL:2\n#EXT-X-PRIVACY:0\n",
		"720p_0001.ts",
		"720p_0002.ts",
	} {
		if !strings.Contains(clear, want) {
			t.Errorf("Clear playlist missing %q:\n%s", want, clear)
		}
	}
	if strings.Contains(clear, "#EXT-X-DISCONTINUITY") {
		t.Error("Clear channel should carry no discontinuity")
	}
	if got := strings.Count(clear, "#EXT-X-NEXT-SEMANTICLEVEL"); got != 1 {
		t.Errorf("Expected 1 lookahead tag, got %d", got)
	}
	if !strings.HasSuffix(strings.TrimSpace(clear), "#EXT-X-ENDLIST") {
		t.Error("Finalized channel should end with EXT-X-ENDLIST")
	}

	privacy := readOutput(t, opts, "480p_privacy.m3u8")
	if got := strings.Count(privacy, "#EXT-X-DISCONTINUITY-SEQUENCE:10"); got != 1 {
		t.Errorf("Expected 1 discontinuity sequence tag, got %d", got)
	}
	if !strings.Contains(privacy, "#EXT-X-PRIVACY:1") || !strings.Contains(privacy, "480p_0002_privacy.ts") {
		t.Errorf("Unexpected privacy playlist:\n%s", privacy)
	}

	vtt := readOutput(t, opts, "subs.vtt")
	for _, want := range []string{"00:00:00.000 --> 00:00:01.000\n평온", "00:00:01.000 --> 00:00:02.000\n위험"} {
		if !strings.Contains(vtt, want) {
			t.Errorf("Subtitle track missing %q:\n%s", want, vtt)
		}
	}

	staged, err := os.ReadDir(opts.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 4 {
		t.Errorf("Expected 4 staged segments, got %d", len(staged))
	}
	if !fileExists(filepath.Join(opts.StagingDir, "segment_0002_privacy_1_2", "frame0029.jpg")) {
		t.Error("Expected frame0029.jpg in segment_0002_privacy_1_2")
	}

	l, err := ledger.OpenLocal(ledger.SidecarPath(opts.OutputDir), testLogger())
	if err != nil {
		t.Fatalf("OpenLocal() error = %v", err)
	}
	ch, ok := l.Channel("720p/clear")
	if !ok {
		t.Fatal("Expected 720p/clear in ledger")
	}
	if ch.State != ledger.Closed {
		t.Errorf("Expected closed channel, got %v", ch.State)
	}
	if l.RunID() != summary.RunID {
		t.Errorf("Expected ledger run %s, got %s", summary.RunID, l.RunID())
	}
}

func TestRunResumeSkipsPublishedSegments(t *testing.T) {
	opts := testOptions(t, 90)
	opts.Finalize = false
	enc := &fakeEncoder{root: t.TempDir(), fail: map[string]bool{"480p/clear/3": true}}

	_, err := New(opts, enc, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindEncoder)

	enc2 := &fakeEncoder{root: t.TempDir()}
	summary, err := New(resumeOptions(opts), enc2, nil, testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	if summary.Skipped != 2 {
		t.Errorf("Expected 2 skipped segments, got %d", summary.Skipped)
	}
	// Segment 3 of both clear profiles plus all three privacy segments at two profiles.
	if summary.Appends != 8 {
		t.Errorf("Expected 8 appends, got %d", summary.Appends)
	}

	if got := strings.Count(readOutput(t, opts, "720p.m3u8"), "#EXTINF:"); got != 3 {
		t.Errorf("Expected 3 entries, got %d", got)
	}
}

func TestRunFailedRechunkKeepsPreviousRun(t *testing.T) {
	opts := testOptions(t, 60)
	opts.Finalize = false

	first, err := New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Clear frames stage fine, the privacy variant fails midway.
	if err := os.Remove(filepath.Join(opts.PrivacyFrameDir, "img_00007.jpg")); err != nil {
		t.Fatal(err)
	}
	_, err = New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindSourceIO)

	store, err := catalog.Open(opts.CatalogPath)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := store.Runs(context.Background(), 0)
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != first.RunID {
		t.Fatalf("Expected only run %s in catalog, got %+v", first.RunID, runs)
	}

	staged, err := os.ReadDir(opts.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 4 {
		t.Errorf("Expected 4 staged segments from the first run, got %d", len(staged))
	}
	if !fileExists(filepath.Join(opts.StagingDir, "segment_0001_privacy_0_1", "frame0029.jpg")) {
		t.Error("Expected first run's privacy frames to survive")
	}
	siblings, err := os.ReadDir(filepath.Dir(opts.StagingDir))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range siblings {
		if strings.Contains(entry.Name(), ".next-") {
			t.Errorf("Expected scratch staging to be discarded, found %s", entry.Name())
		}
	}

	enc := &fakeEncoder{root: t.TempDir()}
	summary, err := New(resumeOptions(opts), enc, nil, testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	if summary.RunID != first.RunID {
		t.Errorf("Expected resume of %s, got %s", first.RunID, summary.RunID)
	}
	if summary.Skipped != 4 || summary.Appends != 0 || enc.count() != 0 {
		t.Errorf("Expected 4 skipped and nothing encoded, got skipped %d, appends %d, jobs %d",
			summary.Skipped, summary.Appends, enc.count())
	}
}

func TestRunResumeRejectsTruncatedStaging(t *testing.T) {
	opts := testOptions(t, 60)
	opts.Finalize = false
	enc := &fakeEncoder{root: t.TempDir(), fail: map[string]bool{"720p/clear/2": true}}

	_, err := New(opts, enc, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindEncoder)

	if err := os.Remove(filepath.Join(opts.StagingDir, "segment_0001_privacy_0_1", "frame0005.jpg")); err != nil {
		t.Fatal(err)
	}

	enc2 := &fakeEncoder{root: t.TempDir()}
	summary, err := New(resumeOptions(opts), enc2, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindSourceIO)
	if summary.Appends != 0 || enc2.count() != 0 {
		t.Errorf("Expected no encodes, got appends %d, jobs %d", summary.Appends, enc2.count())
	}
	if fileExists(filepath.Join(opts.OutputDir, "720p_privacy.m3u8")) {
		if got := strings.Count(readOutput(t, opts, "720p_privacy.m3u8"), "#EXTINF:"); got != 0 {
			t.Errorf("Expected no privacy entries, got %d", got)
		}
	}
}

func TestRunRejectsLockedOutput(t *testing.T) {
	opts := testOptions(t, 30)
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	o := New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger())
	unlock, err := o.lock()
	if err != nil {
		t.Fatalf("lock() error = %v", err)
	}
	defer unlock()

	_, err = New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindConsistency)
}

func TestRunWithoutPersistedSetFails(t *testing.T) {
	opts := testOptions(t, 30)
	opts.Rechunk = false

	_, err := New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindConfiguration)
}

func TestRunMissingFrameIsSourceError(t *testing.T) {
	opts := testOptions(t, 30)
	if err := os.Remove(filepath.Join(opts.PrivacyFrameDir, "img_00007.jpg")); err != nil {
		t.Fatal(err)
	}

	_, err := New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	expectKind(t, err, errs.KindSourceIO)
}

func TestRunClearOnly(t *testing.T) {
	opts := testOptions(t, 60)
	opts.Capabilities = Capabilities{}

	summary, err := New(opts, &fakeEncoder{root: t.TempDir()}, nil, testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Appends != 4 {
		t.Errorf("Expected 4 appends, got %d", summary.Appends)
	}
	for _, name := range []string{"720p_privacy.m3u8", "subs.vtt"} {
		if fileExists(filepath.Join(opts.OutputDir, name)) {
			t.Errorf("Expected no %s without capabilities", name)
		}
	}
}

func TestChunkThenRender(t *testing.T) {
	opts := testOptions(t, 75)
	o := New(opts, nil, nil, testLogger())

	summary, err := o.Chunk(context.Background())
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if summary.Segments[segment.Clear] != 2 {
		t.Errorf("Expected 2 clear segments, got %d", summary.Segments[segment.Clear])
	}
	if summary.DroppedFrames != 15 {
		t.Errorf("Expected 15 dropped frames, got %d", summary.DroppedFrames)
	}

	if err := o.WriteSubtitles(context.Background()); err != nil {
		t.Fatalf("WriteSubtitles() error = %v", err)
	}
	if !fileExists(filepath.Join(opts.OutputDir, "subs.m3u8")) {
		t.Error("Expected subs.m3u8")
	}

	if err := o.WriteMaster(); err != nil {
		t.Fatalf("WriteMaster() error = %v", err)
	}
	if err := o.Render(context.Background()); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := readOutput(t, opts, "720p.m3u8"); got != "" {
		t.Errorf("Expected empty channel playlist, got %q", got)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero frame rate", func(o *Options) { o.FrameRate = 0 }},
		{"inverted range", func(o *Options) { o.Range = timeline.Range{Start: 10, End: 5} }},
		{"no profiles", func(o *Options) { o.Profiles = nil }},
		{"no output", func(o *Options) { o.OutputDir = "" }},
		{"no privacy frames", func(o *Options) { o.PrivacyFrameDir = "" }},
		{"negative workers", func(o *Options) { o.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t, 30)
			tt.mutate(&opts)
			expectKind(t, opts.Validate(), errs.KindConfiguration)
		})
	}
}
