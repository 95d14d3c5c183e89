// Package parser provides HLS playlist parsing for encoder output and generated channel playlists.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/pkg/semtag"
)

// Header holds the playlist-level directives carried over from the encoder's playlist.
type Header struct {
	// Version is the EXT-X-VERSION value (3 when absent)
	Version int

	// TargetDuration is the EXT-X-TARGETDURATION value in seconds
	TargetDuration int

	// PlaylistType is the EXT-X-PLAYLIST-TYPE value ("EVENT", "VOD" or empty)
	PlaylistType string

	// IndependentSegments reports whether EXT-X-INDEPENDENT-SEGMENTS was present
	IndependentSegments bool
}

// SegmentInfo describes the single segment of a tagged encoder playlist.
type SegmentInfo struct {
	Header Header

	// URI is the media filename as written by the encoder
	URI string

	// Duration is the EXTINF duration in seconds
	Duration float64

	// Title is the optional EXTINF title
	Title string

	// Tags holds the semantic tag block preceding the EXTINF line
	Tags semtag.Set
}

// Entry is one segment entry of a channel playlist.
type Entry struct {
	URI           string
	Duration      float64
	Tags          semtag.Set
	Discontinuity bool
}

// ChannelInfo is a decoded channel playlist.
type ChannelInfo struct {
	Header Header

	// DiscontinuitySequence is the EXT-X-DISCONTINUITY-SEQUENCE value, -1 when absent
	DiscontinuitySequence int

	Entries []Entry

	// Closed reports whether the playlist ends with EXT-X-ENDLIST
	Closed bool
}

// ParseSegmentFile parses a tagged single-segment encoder playlist from disk.
func ParseSegmentFile(path string) (*SegmentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return ParseSegmentPlaylist(data)
}

// ParseSegmentPlaylist parses a tagged single-segment encoder playlist.
// The playlist must contain exactly one segment preceded by a semantic tag block.
func ParseSegmentPlaylist(data []byte) (*SegmentInfo, error) {
	media, header, err := decodeMedia(data)
	if err != nil {
		return nil, err
	}

	segments := liveSegments(media)
	if len(segments) != 1 {
		return nil, &errs.ConsistencyError{
			Reason: fmt.Sprintf("expected a single-segment playlist, got %d segments", len(segments)),
		}
	}

	seg := segments[0]
	tags, ok := semtag.FromCustom(seg.Custom)
	if !ok {
		return nil, &errs.ConsistencyError{Reason: "semantic tag block not found before " + seg.URI}
	}

	return &SegmentInfo{
		Header:   header,
		URI:      seg.URI,
		Duration: seg.Duration,
		Title:    seg.Title,
		Tags:     tags,
	}, nil
}

// ParseChannelFile parses a generated channel playlist from disk.
func ParseChannelFile(path string) (*ChannelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return ParseChannelPlaylist(data)
}

// ParseChannelPlaylist parses a generated channel playlist back into semantic entries.
// An empty document (a channel that has not received its first segment) yields no entries.
func ParseChannelPlaylist(data []byte) (*ChannelInfo, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ChannelInfo{DiscontinuitySequence: -1}, nil
	}

	media, header, err := decodeMedia(data)
	if err != nil {
		return nil, err
	}

	info := &ChannelInfo{
		Header:                header,
		DiscontinuitySequence: -1,
		Closed:                media.Closed,
	}
	if v, ok := headerValue(data, "#EXT-X-DISCONTINUITY-SEQUENCE:"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			info.DiscontinuitySequence = n
		}
	}

	for _, seg := range liveSegments(media) {
		tags, _ := semtag.FromCustom(seg.Custom)
		info.Entries = append(info.Entries, Entry{
			URI:           seg.URI,
			Duration:      seg.Duration,
			Tags:          tags,
			Discontinuity: seg.Discontinuity,
		})
	}
	return info, nil
}

func decodeMedia(data []byte) (*m3u8.MediaPlaylist, Header, error) {
	playlist, listType, err := m3u8.DecodeWith(bytes.NewBuffer(data), false, semtag.Decoders())
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MEDIA {
		return nil, Header{}, fmt.Errorf("expected media playlist, got master playlist")
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, Header{}, fmt.Errorf("unexpected playlist type")
	}

	header := scanHeader(data)
	if header.TargetDuration == 0 {
		header.TargetDuration = int(media.TargetDuration)
	}
	return media, header, nil
}

// liveSegments drops the nil padding of the decoder's segment buffer.
func liveSegments(media *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	var out []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		out = append(out, seg)
	}
	return out
}

// scanHeader reads the playlist-level directives that the m3u8 decoder does not expose.
func scanHeader(data []byte) Header {
	h := Header{Version: 3}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:")); err == nil {
				h.Version = n
			}
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if n, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				h.TargetDuration = int(n)
			}
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			h.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")
		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			h.IndependentSegments = true
		case strings.HasPrefix(line, "#EXTINF:"):
			return h
		}
	}
	return h
}

func headerValue(data []byte, prefix string) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
	}
	return "", false
}
