// Package variant defines encoding profiles and the per-profile, per-rendition channels
// that each own a running playlist.
package variant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agleyzer/semhls/internal/segment"
)

// Profile is one target resolution/bitrate encoding configuration.
type Profile struct {
	// Name labels the profile and prefixes its files (e.g., "1080p").
	Name string `toml:"name"`

	// Resolution is WIDTHxHEIGHT (e.g., "1920x1080").
	Resolution string `toml:"resolution"`

	// Bitrate is the encoder video bitrate (e.g., "5000k").
	Bitrate string `toml:"bitrate"`

	// Bandwidth is the peak bitrate advertised in the master playlist, in bits per second.
	Bandwidth int `toml:"bandwidth"`
}

// Dimensions parses Resolution.
func (p Profile) Dimensions() (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(p.Resolution), "x")
	if !ok {
		return 0, 0, fmt.Errorf("profile %s: resolution %q is not WIDTHxHEIGHT", p.Name, p.Resolution)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("profile %s: invalid width in %q", p.Name, p.Resolution)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("profile %s: invalid height in %q", p.Name, p.Resolution)
	}
	return width, height, nil
}

// ScaleFilter returns the ffmpeg scale filter for the profile.
func (p Profile) ScaleFilter() (string, error) {
	w, h, err := p.Dimensions()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scale=%d:%d", w, h), nil
}

// Validate checks that the profile can be used for encoding and in file names.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.ContainsAny(p.Name, `/\ `) {
		return fmt.Errorf("profile name %q must not contain path separators or spaces", p.Name)
	}
	if _, _, err := p.Dimensions(); err != nil {
		return err
	}
	if p.Bitrate == "" {
		return fmt.Errorf("profile %s: bitrate is required", p.Name)
	}
	if p.Bandwidth <= 0 {
		return fmt.Errorf("profile %s: bandwidth must be positive", p.Name)
	}
	return nil
}

// DefaultProfiles returns the three-tier ladder used by the privacy deployment.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "1080p", Resolution: "1920x1080", Bitrate: "5000k", Bandwidth: 5000000},
		{Name: "720p", Resolution: "1280x720", Bitrate: "2000k", Bandwidth: 2000000},
		{Name: "480p", Resolution: "854x480", Bitrate: "1000k", Bandwidth: 1000000},
	}
}

// Channel is the combination of one profile and one rendition.
type Channel struct {
	Profile Profile
	Variant segment.Variant
}

// Key identifies the channel in logs, the ledger and metrics.
func (c Channel) Key() string {
	return c.Profile.Name + "/" + c.Variant.String()
}

// BaseName is the playlist stem shared by the master reference and the playlist file.
func (c Channel) BaseName() string {
	if c.Variant.IsPrivacy() {
		return c.Profile.Name + "_privacy"
	}
	return c.Profile.Name
}

// PlaylistName is the channel's running playlist filename.
func (c Channel) PlaylistName() string {
	return c.BaseName() + ".m3u8"
}

// MediaName is the canonical public filename for the channel's segment seq.
func (c Channel) MediaName(seq int) string {
	if c.Variant.IsPrivacy() {
		return fmt.Sprintf("%s_%04d_privacy.ts", c.Profile.Name, seq)
	}
	return fmt.Sprintf("%s_%04d.ts", c.Profile.Name, seq)
}

// Channels returns every profile × variant combination, variants outermost.
func Channels(profiles []Profile, variants []segment.Variant) []Channel {
	channels := make([]Channel, 0, len(profiles)*len(variants))
	for _, v := range variants {
		for _, p := range profiles {
			channels = append(channels, Channel{Profile: p, Variant: v})
		}
	}
	return channels
}
