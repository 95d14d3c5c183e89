package playlist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"github.com/agleyzer/semhls/internal/fileutil"
	"github.com/agleyzer/semhls/internal/variant"
)

// MasterName is the master playlist filename.
const MasterName = "master.m3u8"

// StreamRef is one variant stream entry of the master playlist.
type StreamRef struct {
	// Name is the channel base name; the stream URI is Name + ".m3u8".
	Name       string
	Resolution string
	Bandwidth  int
	Privacy    bool
}

// SubtitleGroup describes the optional subtitle rendition group.
type SubtitleGroup struct {
	// Language is a BCP 47 tag (e.g., "ko").
	Language string
	// URI is the subtitle playlist path relative to the master.
	URI string
}

// Master describes the master playlist.
type Master struct {
	Refs      []StreamRef
	Audio     bool
	Subtitles *SubtitleGroup
}

// RefsFor builds stream references for channels in order.
func RefsFor(channels []variant.Channel) []StreamRef {
	refs := make([]StreamRef, 0, len(channels))
	for _, c := range channels {
		refs = append(refs, StreamRef{
			Name:       c.BaseName(),
			Resolution: c.Profile.Resolution,
			Bandwidth:  c.Profile.Bandwidth,
			Privacy:    c.Variant.IsPrivacy(),
		})
	}
	return refs
}

// AdvertisedBandwidths returns the BANDWIDTH value written for each ref. Privacy refs add 1,
// and any ref colliding with an earlier ref of the same resolution is bumped until unique.
func AdvertisedBandwidths(refs []StreamRef) []int {
	type key struct {
		resolution string
		bandwidth  int
	}

	seen := make(map[key]bool, len(refs))
	out := make([]int, len(refs))
	for i, r := range refs {
		bw := r.Bandwidth
		if r.Privacy {
			bw++
		}
		for seen[key{r.Resolution, bw}] {
			bw++
		}
		seen[key{r.Resolution, bw}] = true
		out[i] = bw
	}
	return out
}

// Generate renders the master playlist.
func (m Master) Generate() (string, error) {
	if len(m.Refs) == 0 {
		return "", fmt.Errorf("cannot create master playlist with zero streams")
	}

	var b strings.Builder

	// HLS master playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if m.Audio {
		b.WriteString(`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="audio",DEFAULT=YES,AUTOSELECT=YES,LANGUAGE="und"` + "\n")
	}

	if m.Subtitles != nil {
		tag, err := language.Parse(m.Subtitles.Language)
		if err != nil {
			return "", fmt.Errorf("invalid subtitle language %q: %w", m.Subtitles.Language, err)
		}
		b.WriteString(fmt.Sprintf(
			`#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="subs",DEFAULT=NO,AUTOSELECT=NO,FORCED=NO,LANGUAGE="%s",URI="%s"`+"\n",
			tag.String(), m.Subtitles.URI))
	}

	bandwidths := AdvertisedBandwidths(m.Refs)
	for i, ref := range m.Refs {
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(fmt.Sprintf("BANDWIDTH=%d", bandwidths[i]))

		if ref.Resolution != "" {
			b.WriteString(fmt.Sprintf(",RESOLUTION=%s", ref.Resolution))
		}
		if m.Audio {
			b.WriteString(`,AUDIO="audio"`)
		}
		if m.Subtitles != nil {
			b.WriteString(`,SUBTITLES="subs"`)
		}
		b.WriteString(fmt.Sprintf(",NAME=\"%s\"\n", ref.Name))

		b.WriteString(ref.Name + ".m3u8\n")
	}

	return b.String(), nil
}

// WriteMaster writes master.m3u8 into dir and truncates every referenced channel playlist
// to an empty file, so the tree is consistent before the first append.
func WriteMaster(dir string, m Master) error {
	content, err := m.Generate()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for _, ref := range m.Refs {
		if err := os.WriteFile(filepath.Join(dir, ref.Name+".m3u8"), nil, 0o644); err != nil {
			return fmt.Errorf("create channel playlist: %w", err)
		}
	}

	return fileutil.WriteFile(filepath.Join(dir, MasterName), []byte(content), 0o644)
}
