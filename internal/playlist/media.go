// Package playlist renders channel media playlists from the manifest ledger and writes the
// master playlist that references them.
package playlist

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/pkg/semtag"
)

// PrivacyDiscontinuitySequence is the discontinuity sequence advertised by privacy channels.
const PrivacyDiscontinuitySequence = 10

// RenderMedia renders a channel playlist from its ledger record. A channel without
// entries renders as an empty document. Non-empty output always ends with #EXT-X-ENDLIST.
func RenderMedia(ch ledger.ChannelLog) string {
	if len(ch.Entries) == 0 {
		return ""
	}

	version := ch.Header.Version
	if version == 0 {
		version = 3
	}

	var b strings.Builder

	// HLS playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString(fmt.Sprintf("#EXT-X-VERSION:%d\n", version))
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration(ch)))
	if ch.Privacy {
		b.WriteString(fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", PrivacyDiscontinuitySequence))
		b.WriteString("#EXT-X-DISCONTINUITY\n")
	}
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	if ch.Header.PlaylistType != "" {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:" + ch.Header.PlaylistType + "\n")
	}
	if ch.Header.IndependentSegments {
		b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}

	for _, e := range ch.Entries {
		writeEntry(&b, e)
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func writeEntry(b *strings.Builder, e ledger.Entry) {
	b.WriteString(semtag.Line(semtag.Type, e.RiskType) + "\n")
	b.WriteString(semtag.Line(semtag.Level, e.RiskLevel) + "\n")
	if e.NextRiskLevel != nil {
		b.WriteString(semtag.Line(semtag.NextLevel, *e.NextRiskLevel) + "\n")
	}
	b.WriteString(semtag.Line(semtag.Privacy, semtag.Bool(e.Privacy)) + "\n")
	b.WriteString("#EXTINF:" + strconv.FormatFloat(e.Duration, 'f', 6, 64) + "," + e.Title + "\n")
	b.WriteString(e.URI + "\n")
}

// TargetDuration is the larger of the encoder's target duration and the longest entry, rounded up.
func TargetDuration(ch ledger.ChannelLog) int {
	target := ch.Header.TargetDuration
	for _, e := range ch.Entries {
		if d := int(math.Ceil(e.Duration)); d > target {
			target = d
		}
	}
	return target
}
