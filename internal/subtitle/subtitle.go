// Package subtitle derives a WebVTT track from segment risk types, one cue per segment.
package subtitle

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asticode/go-astisub"

	"github.com/agleyzer/semhls/internal/fileutil"
	"github.com/agleyzer/semhls/internal/segment"
)

// Output filenames inside the public tree.
const (
	TrackName    = "subs.vtt"
	PlaylistName = "subs.m3u8"
)

// Labels maps risk types to cue text. Unknown is used for unmapped types.
type Labels struct {
	ByType  map[int]string
	Unknown string
}

// DefaultLabels returns the stock Korean labels: calm, danger, accident.
func DefaultLabels() Labels {
	return Labels{
		ByType:  map[int]string{0: "평온", 1: "위험", 2: "사고"},
		Unknown: "정보 없음",
	}
}

// Text returns the label for riskType, never empty.
func (l Labels) Text(riskType int) string {
	if s, ok := l.ByType[riskType]; ok && s != "" {
		return s
	}
	if l.Unknown != "" {
		return l.Unknown
	}
	return DefaultLabels().Unknown
}

// Cue is one timed subtitle.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Cues returns one cue per segment, spanning [(ordinal-1)*d, ordinal*d).
func Cues(segments []segment.Segment, chunk time.Duration, labels Labels) []Cue {
	cues := make([]Cue, 0, len(segments))
	for _, seg := range segments {
		start := time.Duration(seg.Ordinal-1) * chunk
		cues = append(cues, Cue{
			Start: start,
			End:   start + chunk,
			Text:  labels.Text(seg.RiskType),
		})
	}
	return cues
}

// Subtitles converts cues into subtitle items.
func Subtitles(cues []Cue) *astisub.Subtitles {
	subs := astisub.NewSubtitles()
	for i, c := range cues {
		subs.Items = append(subs.Items, &astisub.Item{
			Index:   i + 1,
			StartAt: c.Start,
			EndAt:   c.End,
			Lines:   []astisub.Line{{Items: []astisub.LineItem{{Text: c.Text}}}},
		})
	}
	return subs
}

// RenderVTT renders a WebVTT document. An empty cue list yields a header-only document.
func RenderVTT(cues []Cue) (string, error) {
	if len(cues) == 0 {
		return "WEBVTT\n", nil
	}
	var b bytes.Buffer
	if err := Subtitles(cues).WriteToWebVTT(&b); err != nil {
		return "", fmt.Errorf("render webvtt: %w", err)
	}
	return b.String(), nil
}

// RenderPlaylist renders the single-entry VOD playlist that references the track.
func RenderPlaylist(cues []Cue) string {
	var total time.Duration
	if len(cues) > 0 {
		total = cues[len(cues)-1].End
	}
	seconds := total.Seconds()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(seconds))))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString("#EXTINF:" + strconv.FormatFloat(seconds, 'f', 6, 64) + ",\n")
	b.WriteString(TrackName + "\n")
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// Write writes subs.vtt and subs.m3u8 into dir.
func Write(dir string, cues []Cue) error {
	vtt, err := RenderVTT(cues)
	if err != nil {
		return err
	}
	if err := fileutil.WriteFile(filepath.Join(dir, TrackName), []byte(vtt), 0o644); err != nil {
		return fmt.Errorf("write subtitle track: %w", err)
	}
	if err := fileutil.WriteFile(filepath.Join(dir, PlaylistName), []byte(RenderPlaylist(cues)), 0o644); err != nil {
		return fmt.Errorf("write subtitle playlist: %w", err)
	}
	return nil
}
