package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/parser"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/tagger"
	"github.com/agleyzer/semhls/internal/variant"
)

var (
	profile720     = variant.Profile{Name: "720p", Resolution: "1280x720", Bitrate: "2000k", Bandwidth: 2000000}
	clearChannel   = variant.Channel{Profile: profile720, Variant: segment.Clear}
	privacyChannel = variant.Channel{Profile: profile720, Variant: segment.Privacy}
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	out := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(out, ledger.NewLocal(ledger.SidecarPath(out), logger), nil, logger), out
}

// encoderOutput writes what the encoder adapter leaves behind: a tagged single-segment
// playlist and its media file.
func encoderOutput(t *testing.T, riskType, level int, privacy bool) (string, string) {
	t.Helper()
	dir := t.TempDir()

	media := filepath.Join(dir, "720p_0000.ts")
	if err := os.WriteFile(media, []byte(fmt.Sprintf("ts-%d-%d", riskType, level)), 0o644); err != nil {
		t.Fatal(err)
	}

	text := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXT-X-PLAYLIST-TYPE:EVENT\n#EXT-X-INDEPENDENT-SEGMENTS\n#EXTINF:2.000000,\n720p_0000.ts\n#EXT-X-ENDLIST\n"
	playlistPath := filepath.Join(dir, "720p.m3u8")
	if err := os.WriteFile(playlistPath, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tagger.InjectFile(playlistPath, tagger.Tags{RiskType: riskType, RiskLevel: level, Privacy: privacy}); err != nil {
		t.Fatal(err)
	}

	return playlistPath, media
}

func appendSegment(t *testing.T, e *Engine, c variant.Channel, seq, riskType, level int, next *int) error {
	t.Helper()
	pl, media := encoderOutput(t, riskType, level, c.Variant.IsPrivacy())
	return e.Append(context.Background(), Request{
		Channel:        c,
		Sequence:       seq,
		SourcePlaylist: pl,
		SourceMedia:    media,
		NextRiskLevel:  next,
	})
}

func mustAppend(t *testing.T, e *Engine, c variant.Channel, seq, riskType, level int, next *int) {
	t.Helper()
	if err := appendSegment(t, e, c, seq, riskType, level, next); err != nil {
		t.Fatalf("Append(%s, %d) error = %v", c.Key(), seq, err)
	}
}

func readChannel(t *testing.T, out string, c variant.Channel) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, c.PlaylistName()))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", c.PlaylistName(), err)
	}
	return string(data)
}

// mediaFiles lists the segment media in out, including hidden partial copies.
func mediaFiles(t *testing.T, out string) []string {
	t.Helper()
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Name() == ledger.SidecarDir || strings.HasSuffix(entry.Name(), ".m3u8") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestEngine_AppendToAbsentChannel(t *testing.T) {
	e, out := newTestEngine(t)

	const k = 4
	for seq := 1; seq <= k; seq++ {
		mustAppend(t, e, clearChannel, seq, seq%3, seq, nil)

		if text := readChannel(t, out, clearChannel); !strings.HasSuffix(text, "#EXT-X-ENDLIST\n") {
			t.Errorf("Expected ENDLIST last after append %d, got:\n%s", seq, text)
		}
	}

	text := readChannel(t, out, clearChannel)
	if got := strings.Count(text, "#EXTINF:"); got != k {
		t.Errorf("Expected %d entries, got %d", k, got)
	}
	if got := strings.Count(text, "#EXT-X-ENDLIST"); got != 1 {
		t.Errorf("Expected 1 ENDLIST, got %d", got)
	}
	if strings.Contains(text, "DISCONTINUITY") {
		t.Error("Clear channel should carry no discontinuity")
	}

	for seq := 1; seq <= k; seq++ {
		name := fmt.Sprintf("720p_%04d.ts", seq)
		if !strings.Contains(text, "\n"+name+"\n") {
			t.Errorf("Playlist missing %s", name)
		}
		if !fileExists(filepath.Join(out, name)) {
			t.Errorf("Expected media %s in output", name)
		}
	}

	info, err := parser.ParseChannelFile(filepath.Join(out, clearChannel.PlaylistName()))
	if err != nil {
		t.Fatalf("ParseChannelFile() error = %v", err)
	}
	if len(info.Entries) != k {
		t.Fatalf("Expected %d parsed entries, got %d", k, len(info.Entries))
	}
	if info.Entries[1].Tags.Level != 2 {
		t.Errorf("Expected level 2, got %d", info.Entries[1].Tags.Level)
	}
}

func TestEngine_Lookahead(t *testing.T) {
	e, out := newTestEngine(t)

	next := 3
	mustAppend(t, e, clearChannel, 1, 1, 1, &next)
	mustAppend(t, e, clearChannel, 2, 2, 3, nil)

	text := readChannel(t, out, clearChannel)
	if got := strings.Count(text, "#EXT-X-NEXT-SEMANTICLEVEL:"); got != 1 {
		t.Errorf("Expected 1 lookahead tag, got %d", got)
	}
	if !strings.Contains(text, "#EXT-X-SEMANTICLEVEL:1\n#EXT-X-NEXT-SEMANTICLEVEL:3\n#EXT-X-PRIVACY:0\n") {
		t.Errorf("Lookahead tag not placed after level tag:\n%s", text)
	}
}

func TestEngine_PrivacyChannel(t *testing.T) {
	e, out := newTestEngine(t)

	mustAppend(t, e, privacyChannel, 1, 0, 0, nil)
	mustAppend(t, e, privacyChannel, 2, 1, 2, nil)

	text := readChannel(t, out, privacyChannel)
	if got := strings.Count(text, "#EXT-X-DISCONTINUITY-SEQUENCE:10"); got != 1 {
		t.Errorf("Expected 1 discontinuity sequence tag, got %d", got)
	}
	if got := strings.Count(text, "#EXT-X-DISCONTINUITY\n"); got != 1 {
		t.Errorf("Expected 1 discontinuity, got %d", got)
	}
	if !strings.Contains(text, "\n720p_0002_privacy.ts\n") {
		t.Errorf("Playlist missing 720p_0002_privacy.ts:\n%s", text)
	}
	if !fileExists(filepath.Join(out, "720p_0001_privacy.ts")) {
		t.Error("Expected media 720p_0001_privacy.ts in output")
	}
}

func TestEngine_GapRejected(t *testing.T) {
	e, out := newTestEngine(t)

	mustAppend(t, e, clearChannel, 1, 0, 0, nil)

	err := appendSegment(t, e, clearChannel, 3, 0, 0, nil)
	var ce *errs.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConsistencyError, got %v", err)
	}
	if ce.Channel != clearChannel.Key() || ce.Sequence != 3 {
		t.Errorf("Expected %s/3, got %s/%d", clearChannel.Key(), ce.Channel, ce.Sequence)
	}

	if fileExists(filepath.Join(out, "720p_0003.ts")) {
		t.Error("Rejected append should not publish media")
	}
	if got := strings.Count(readChannel(t, out, clearChannel), "#EXTINF:"); got != 1 {
		t.Errorf("Expected 1 entry, got %d", got)
	}
}

func TestEngine_DuplicateRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	mustAppend(t, e, clearChannel, 1, 0, 0, nil)
	err := appendSegment(t, e, clearChannel, 1, 0, 0, nil)
	if errs.Kind(err) != errs.KindConsistency {
		t.Errorf("Expected consistency error, got %v", err)
	}
}

func TestEngine_PrivacyMismatchRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	pl, media := encoderOutput(t, 0, 0, false)
	err := e.Append(context.Background(), Request{Channel: privacyChannel, Sequence: 1, SourcePlaylist: pl, SourceMedia: media})
	if errs.Kind(err) != errs.KindConsistency {
		t.Errorf("Expected consistency error, got %v", err)
	}
}

func TestEngine_UntaggedSourceRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	dir := t.TempDir()
	pl := filepath.Join(dir, "720p.m3u8")
	if err := os.WriteFile(pl, []byte("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\n720p_0000.ts\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := e.Append(context.Background(), Request{Channel: clearChannel, Sequence: 1, SourcePlaylist: pl, SourceMedia: pl})
	var ce *errs.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConsistencyError, got %v", err)
	}
	if ce.Channel != clearChannel.Key() {
		t.Errorf("Expected channel %s, got %s", clearChannel.Key(), ce.Channel)
	}
}

func TestEngine_MissingSource(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.Append(context.Background(), Request{
		Channel:        clearChannel,
		Sequence:       1,
		SourcePlaylist: filepath.Join(t.TempDir(), "missing.m3u8"),
	})
	if errs.Kind(err) != errs.KindSourceIO {
		t.Errorf("Expected source IO error, got %v", err)
	}
}

func TestEngine_MissingMediaLeavesNoFiles(t *testing.T) {
	e, out := newTestEngine(t)

	pl, media := encoderOutput(t, 0, 0, false)
	if err := os.Remove(media); err != nil {
		t.Fatal(err)
	}

	err := e.Append(context.Background(), Request{Channel: clearChannel, Sequence: 1, SourcePlaylist: pl})
	if errs.Kind(err) != errs.KindSourceIO {
		t.Errorf("Expected source IO error, got %v", err)
	}
	if files := mediaFiles(t, out); len(files) != 0 {
		t.Errorf("Expected no media in output, got %v", files)
	}
	if _, ok := e.Ledger().Channel(clearChannel.Key()); ok {
		t.Error("Failed append should not create the channel")
	}
}

func TestEngine_LedgerRejectLeavesNoMedia(t *testing.T) {
	e, out := newTestEngine(t)
	mustAppend(t, e, clearChannel, 1, 0, 0, nil)

	// The ledger refuses the command after the media copy is already made.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pl, media := encoderOutput(t, 0, 0, false)
	err := e.Append(ctx, Request{Channel: clearChannel, Sequence: 2, SourcePlaylist: pl, SourceMedia: media})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	files := mediaFiles(t, out)
	if len(files) != 1 || files[0] != "720p_0001.ts" {
		t.Errorf("Expected only 720p_0001.ts in output, got %v", files)
	}
	if got := strings.Count(readChannel(t, out, clearChannel), "#EXTINF:"); got != 1 {
		t.Errorf("Expected 1 entry, got %d", got)
	}

	// The same sequence is accepted once the ledger is available again.
	mustAppend(t, e, clearChannel, 2, 0, 0, nil)
	if !fileExists(filepath.Join(out, "720p_0002.ts")) {
		t.Error("Expected media 720p_0002.ts after retry")
	}
}

func TestEngine_ClosedChannelLeavesNoMedia(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	if err := e.Initialize(ctx, "run-1", []variant.Channel{clearChannel}); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, e, clearChannel, 1, 0, 0, nil)
	if err := e.Close(ctx, clearChannel); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := appendSegment(t, e, clearChannel, 2, 0, 0, nil)
	if errs.Kind(err) != errs.KindConsistency {
		t.Errorf("Expected consistency error, got %v", err)
	}
	files := mediaFiles(t, out)
	if len(files) != 1 || files[0] != "720p_0001.ts" {
		t.Errorf("Expected only 720p_0001.ts in output, got %v", files)
	}
}

func TestEngine_RenderAllAfterReopen(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()
	channels := []variant.Channel{clearChannel, privacyChannel}

	if err := e.Initialize(ctx, "run-1", channels); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, e, clearChannel, 1, 1, 1, nil)
	mustAppend(t, e, privacyChannel, 1, 1, 1, nil)
	want := readChannel(t, out, clearChannel)

	if err := os.Remove(filepath.Join(out, clearChannel.PlaylistName())); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := ledger.OpenLocal(ledger.SidecarPath(out), logger)
	if err != nil {
		t.Fatalf("OpenLocal() error = %v", err)
	}
	reopened := NewEngine(out, l, nil, logger)

	if err := reopened.RenderAll(channels); err != nil {
		t.Fatalf("RenderAll() error = %v", err)
	}
	if got := readChannel(t, out, clearChannel); got != want {
		t.Errorf("Expected rendered playlist:\n%s\ngot:\n%s", want, got)
	}

	// Appends resume at the next sequence
	mustAppend(t, reopened, clearChannel, 2, 0, 0, nil)
	if got := strings.Count(readChannel(t, out, clearChannel), "#EXTINF:"); got != 2 {
		t.Errorf("Expected 2 entries, got %d", got)
	}
}

func TestEngine_InitializeEmptiesChannels(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	mustAppend(t, e, clearChannel, 1, 0, 0, nil)
	if err := e.Initialize(ctx, "run-2", []variant.Channel{clearChannel}); err != nil {
		t.Fatal(err)
	}
	if err := e.RenderAll([]variant.Channel{clearChannel}); err != nil {
		t.Fatal(err)
	}

	if got := readChannel(t, out, clearChannel); got != "" {
		t.Errorf("Expected empty playlist, got %q", got)
	}
	if got := e.Ledger().RunID(); got != "run-2" {
		t.Errorf("Expected run-2, got %s", got)
	}
}

func TestEngine_ResolvesMediaFromPlaylist(t *testing.T) {
	e, out := newTestEngine(t)

	pl, _ := encoderOutput(t, 0, 1, false)
	if err := e.Append(context.Background(), Request{Channel: clearChannel, Sequence: 1, SourcePlaylist: pl}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(out, "720p_0001.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ts-0-1" {
		t.Errorf("Expected ts-0-1, got %q", data)
	}
}
