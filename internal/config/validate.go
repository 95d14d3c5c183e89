package config

import (
	"strconv"

	"golang.org/x/text/language"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/subtitle"
	"github.com/agleyzer/semhls/internal/timeline"
)

// Validate ensures the configuration is usable. Failures are *errs.ConfigError.
func (c *Config) Validate() error {
	if err := c.validateTimeline(); err != nil {
		return err
	}
	if err := c.validateProfiles(); err != nil {
		return err
	}
	if err := c.validateSubtitles(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Encoder.Workers < 0 {
		return errs.Configf("encoder.workers", "must not be negative")
	}
	if c.Paths.OutputDir == "" {
		return errs.Configf("paths.output_dir", "is required")
	}
	return nil
}

func (c *Config) validateTimeline() error {
	if _, err := segment.ChunkSize(c.Timeline.FrameRate, c.Timeline.ChunkSeconds); err != nil {
		return err
	}
	return c.Range().Validate()
}

func (c *Config) validateProfiles() error {
	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return errs.Configf("profiles", "%v", err)
		}
		if seen[p.Name] {
			return errs.Configf("profiles", "duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func (c *Config) validateSubtitles() error {
	if _, err := language.Parse(c.Subtitles.Language); err != nil {
		return errs.Configf("subtitles.language", "invalid language tag %q", c.Subtitles.Language)
	}
	for key := range c.Subtitles.Labels {
		if _, err := strconv.Atoi(key); err != nil {
			return errs.Configf("subtitles.labels", "key %q is not a risk type", key)
		}
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Mode {
	case "local":
		return nil
	case "raft":
		if c.Ledger.Bind != "" && len(c.Ledger.Peers) == 0 {
			return errs.Configf("ledger.peers", "required when ledger.bind is set")
		}
		return nil
	default:
		return errs.Configf("ledger.mode", "must be local or raft, got %q", c.Ledger.Mode)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errs.Configf("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return errs.Configf("logging.format", "unknown format %q", c.Logging.Format)
	}
	return nil
}

// Range returns the configured frame range.
func (c *Config) Range() timeline.Range {
	return timeline.Range{Start: c.Timeline.StartFrame, End: c.Timeline.EndFrame}
}

// SubtitleLabels converts the configured labels, falling back to the defaults.
func (c *Config) SubtitleLabels() subtitle.Labels {
	labels := subtitle.DefaultLabels()
	if len(c.Subtitles.Labels) > 0 {
		labels.ByType = make(map[int]string, len(c.Subtitles.Labels))
		for key, text := range c.Subtitles.Labels {
			if n, err := strconv.Atoi(key); err == nil {
				labels.ByType[n] = text
			}
		}
	}
	if c.Subtitles.Unknown != "" {
		labels.Unknown = c.Subtitles.Unknown
	}
	return labels
}
