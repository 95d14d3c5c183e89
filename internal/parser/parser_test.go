package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agleyzer/semhls/internal/errs"
)

const taggedSegment = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:EVENT
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-SEMANTICTYPE:1
#EXT-X-SEMANTICLEVEL:2
#EXT-X-PRIVACY:0
#EXT-X-PROGRAM-DATE-TIME:2024-05-01T10:00:00.000+0000
#EXTINF:2.000000,
720p_0000.ts
#EXT-X-ENDLIST
`

func TestParseSegmentPlaylist_Tagged(t *testing.T) {
	info, err := ParseSegmentPlaylist([]byte(taggedSegment))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if info.URI != "720p_0000.ts" {
		t.Errorf("Expected URI 720p_0000.ts, got %s", info.URI)
	}
	if info.Duration != 2.0 {
		t.Errorf("Expected duration 2.0, got %f", info.Duration)
	}
	if info.Tags.Type != 1 || info.Tags.Level != 2 || info.Tags.Privacy {
		t.Errorf("Unexpected tags: %+v", info.Tags)
	}
	if info.Tags.NextLevel != nil {
		t.Errorf("Expected no next level, got %d", *info.Tags.NextLevel)
	}

	h := info.Header
	if h.Version != 3 {
		t.Errorf("Expected version 3, got %d", h.Version)
	}
	if h.TargetDuration != 2 {
		t.Errorf("Expected target duration 2, got %d", h.TargetDuration)
	}
	if h.PlaylistType != "EVENT" {
		t.Errorf("Expected playlist type EVENT, got %q", h.PlaylistType)
	}
	if !h.IndependentSegments {
		t.Error("Expected independent segments")
	}
}

func TestParseSegmentPlaylist_MissingTags(t *testing.T) {
	input := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXTINF:2.000000,
720p_0000.ts
#EXT-X-ENDLIST
`
	_, err := ParseSegmentPlaylist([]byte(input))
	var ce *errs.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConsistencyError, got %v", err)
	}
}

func TestParseSegmentPlaylist_MultipleSegments(t *testing.T) {
	input := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-SEMANTICTYPE:0
#EXT-X-SEMANTICLEVEL:0
#EXT-X-PRIVACY:0
#EXTINF:1.000000,
720p_0000.ts
#EXTINF:1.000000,
720p_0001.ts
#EXT-X-ENDLIST
`
	_, err := ParseSegmentPlaylist([]byte(input))
	var ce *errs.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConsistencyError, got %v", err)
	}
}

func TestParseSegmentPlaylist_Invalid(t *testing.T) {
	if _, err := ParseSegmentPlaylist([]byte("not a playlist")); err == nil {
		t.Error("Expected error for invalid playlist, got nil")
	}
}

func TestParseSegmentFile_Missing(t *testing.T) {
	if _, err := ParseSegmentFile(filepath.Join(t.TempDir(), "nope.m3u8")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestParseChannelPlaylist_Privacy(t *testing.T) {
	input := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-DISCONTINUITY-SEQUENCE:10
#EXT-X-DISCONTINUITY
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:EVENT
#EXT-X-SEMANTICTYPE:1
#EXT-X-SEMANTICLEVEL:1
#EXT-X-NEXT-SEMANTICLEVEL:3
#EXT-X-PRIVACY:1
#EXTINF:2.000000,
720p_0001_privacy.ts
#EXT-X-SEMANTICTYPE:2
#EXT-X-SEMANTICLEVEL:3
#EXT-X-PRIVACY:1
#EXTINF:2.000000,
720p_0002_privacy.ts
#EXT-X-ENDLIST
`
	dir := t.TempDir()
	path := filepath.Join(dir, "720p_privacy.m3u8")
	if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := ParseChannelFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !info.Closed {
		t.Error("Expected closed playlist")
	}
	if info.DiscontinuitySequence != 10 {
		t.Errorf("Expected discontinuity sequence 10, got %d", info.DiscontinuitySequence)
	}
	if len(info.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(info.Entries))
	}

	first := info.Entries[0]
	if !first.Tags.Privacy {
		t.Error("Expected privacy flag on first entry")
	}
	if first.Tags.NextLevel == nil || *first.Tags.NextLevel != 3 {
		t.Errorf("Expected next level 3 on first entry, got %v", first.Tags.NextLevel)
	}
	if info.Entries[1].URI != "720p_0002_privacy.ts" {
		t.Errorf("Expected second URI 720p_0002_privacy.ts, got %s", info.Entries[1].URI)
	}
	if info.Entries[1].Tags.NextLevel != nil {
		t.Error("Expected no next level on last entry")
	}
}

func TestParseChannelPlaylist_Empty(t *testing.T) {
	info, err := ParseChannelPlaylist(nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(info.Entries) != 0 {
		t.Errorf("Expected no entries, got %d", len(info.Entries))
	}
	if info.DiscontinuitySequence != -1 {
		t.Errorf("Expected discontinuity sequence -1, got %d", info.DiscontinuitySequence)
	}
}
