package pipeline

import (
	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/subtitle"
	"github.com/agleyzer/semhls/internal/timeline"
	"github.com/agleyzer/semhls/internal/variant"
)

// Capabilities toggles optional outputs.
type Capabilities struct {
	Privacy   bool
	Subtitles bool
	Audio     bool
}

// Options configures one orchestrated run.
type Options struct {
	AnnotationPath  string
	ClearFrameDir   string
	PrivacyFrameDir string
	StagingDir      string
	OutputDir       string
	CatalogPath     string

	FrameRate    int
	ChunkSeconds int
	Range        timeline.Range

	Profiles     []variant.Profile
	Capabilities Capabilities

	SubtitleLanguage string
	SubtitleLabels   subtitle.Labels

	// Rechunk reloads the annotation and restages frames. Otherwise the latest
	// persisted segment sets are used.
	Rechunk bool
	// InitOutput resets the output tree and writes the master playlist. Otherwise
	// appends continue from the persisted ledger.
	InitOutput bool
	// Finalize closes every channel after the last append.
	Finalize bool
	// Workers bounds concurrent encodes of one segment; 0 means one per profile.
	Workers int
}

// Validate checks the options before any output is touched.
func (o Options) Validate() error {
	if _, err := segment.ChunkSize(o.FrameRate, o.ChunkSeconds); err != nil {
		return err
	}
	if err := o.Range.Validate(); err != nil {
		return err
	}
	if o.OutputDir == "" {
		return errs.Configf("output_dir", "is required")
	}
	if o.CatalogPath == "" {
		return errs.Configf("catalog_path", "is required")
	}
	if len(o.Profiles) == 0 {
		return errs.Configf("profiles", "at least one profile is required")
	}
	for _, p := range o.Profiles {
		if err := p.Validate(); err != nil {
			return errs.Configf("profiles", "%v", err)
		}
	}
	if o.Rechunk {
		if o.AnnotationPath == "" {
			return errs.Configf("annotation", "is required to rechunk")
		}
		if o.StagingDir == "" {
			return errs.Configf("staging_dir", "is required to rechunk")
		}
		if o.ClearFrameDir == "" {
			return errs.Configf("clear_frames", "is required to rechunk")
		}
		if o.Capabilities.Privacy && o.PrivacyFrameDir == "" {
			return errs.Configf("privacy_frames", "is required when privacy is enabled")
		}
	}
	if o.Workers < 0 {
		return errs.Configf("workers", "must not be negative")
	}
	return nil
}

// Variants returns the renditions produced, clear first.
func (o Options) Variants() []segment.Variant {
	if o.Capabilities.Privacy {
		return []segment.Variant{segment.Clear, segment.Privacy}
	}
	return []segment.Variant{segment.Clear}
}

// Channels returns every output channel in master order.
func (o Options) Channels() []variant.Channel {
	return variant.Channels(o.Profiles, o.Variants())
}

func (o Options) frameDir(v segment.Variant) string {
	if v.IsPrivacy() {
		return o.PrivacyFrameDir
	}
	return o.ClearFrameDir
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return len(o.Profiles)
}
