package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/variant"
)

// envPrefix prefixes every environment override.
const envPrefix = "SEMHLS_"

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"INPUT_DIR":      &c.Paths.InputDir,
		"OUTPUT_DIR":     &c.Paths.OutputDir,
		"STAGING_DIR":    &c.Paths.StagingDir,
		"WORK_DIR":       &c.Paths.WorkDir,
		"CATALOG_PATH":   &c.Paths.CatalogPath,
		"FFMPEG":         &c.Encoder.Binary,
		"LEDGER_MODE":    &c.Ledger.Mode,
		"LEDGER_NODE_ID": &c.Ledger.NodeID,
		"LEDGER_BIND":    &c.Ledger.Bind,
		"SERVER_BIND":    &c.Server.Bind,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"SUBTITLE_LANG":  &c.Subtitles.Language,
	}
	for key, dst := range strs {
		if value, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}

	ints := map[string]*int{
		"FRAME_RATE":    &c.Timeline.FrameRate,
		"CHUNK_SECONDS": &c.Timeline.ChunkSeconds,
		"START_FRAME":   &c.Timeline.StartFrame,
		"END_FRAME":     &c.Timeline.EndFrame,
		"WORKERS":       &c.Encoder.Workers,
	}
	for key, dst := range ints {
		value, ok := os.LookupEnv(envPrefix + key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errs.Configf(envPrefix+key, "not an integer: %q", value)
		}
		*dst = n
	}

	if value, ok := os.LookupEnv(envPrefix + "LEDGER_PEERS"); ok && strings.TrimSpace(value) != "" {
		c.Ledger.Peers = splitList(value)
	}
	return nil
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeProfiles()
	c.normalizeLedger()
	c.normalizeLogging()
	c.Subtitles.Language = strings.TrimSpace(c.Subtitles.Language)
	if c.Subtitles.Language == "" {
		c.Subtitles.Language = defaultSubtitleLanguage
	}
	c.Encoder.Binary = strings.TrimSpace(c.Encoder.Binary)
	if c.Encoder.Binary == "" {
		c.Encoder.Binary = defaultEncoderBinary
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.InputDir, err = expandPath(c.Paths.InputDir); err != nil {
		return fmt.Errorf("paths.input_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.CatalogPath, err = expandPath(c.Paths.CatalogPath); err != nil {
		return fmt.Errorf("paths.catalog_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.Annotation) == "" {
		c.Paths.Annotation = defaultAnnotation
	}
	if strings.TrimSpace(c.Paths.ClearFrames) == "" {
		c.Paths.ClearFrames = defaultClearFrames
	}
	if strings.TrimSpace(c.Paths.PrivacyFrames) == "" {
		c.Paths.PrivacyFrames = defaultPrivacyFrames
	}
	return nil
}

func (c *Config) normalizeProfiles() {
	if len(c.Profiles) == 0 {
		c.Profiles = variant.DefaultProfiles()
	}
	for i := range c.Profiles {
		c.Profiles[i].Name = strings.TrimSpace(c.Profiles[i].Name)
		c.Profiles[i].Resolution = strings.ToLower(strings.TrimSpace(c.Profiles[i].Resolution))
		c.Profiles[i].Bitrate = strings.TrimSpace(c.Profiles[i].Bitrate)
	}
}

func (c *Config) normalizeLedger() {
	c.Ledger.Mode = strings.ToLower(strings.TrimSpace(c.Ledger.Mode))
	if c.Ledger.Mode == "" {
		c.Ledger.Mode = defaultLedgerMode
	}
	if strings.TrimSpace(c.Ledger.NodeID) == "" {
		c.Ledger.NodeID = defaultLedgerNodeID
	}
	if strings.TrimSpace(c.Ledger.LogLevel) == "" {
		c.Ledger.LogLevel = defaultLedgerLogLevel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
