// Package config loads the semhls TOML configuration, applies environment overrides and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/agleyzer/semhls/internal/variant"
)

// Paths locates inputs and outputs.
type Paths struct {
	// InputDir holds the annotation file and the frame directories.
	InputDir      string `toml:"input_dir"`
	Annotation    string `toml:"annotation"`
	ClearFrames   string `toml:"clear_frames"`
	PrivacyFrames string `toml:"privacy_frames"`
	StagingDir    string `toml:"staging_dir"`
	WorkDir       string `toml:"work_dir"`
	OutputDir     string `toml:"output_dir"`
	CatalogPath   string `toml:"catalog_path"`
}

// Timeline controls frame selection and segment duration.
type Timeline struct {
	FrameRate    int `toml:"frame_rate"`
	ChunkSeconds int `toml:"chunk_seconds"`
	StartFrame   int `toml:"start_frame"`
	// EndFrame is exclusive; 0 means through the last row.
	EndFrame int `toml:"end_frame"`
}

// Encoder configures the external encoder.
type Encoder struct {
	Binary string `toml:"binary"`
	// Workers bounds concurrent profile encodes of one segment; 0 means one per profile.
	Workers int `toml:"workers"`
}

// Capabilities toggles optional outputs.
type Capabilities struct {
	Privacy   bool `toml:"privacy"`
	Subtitles bool `toml:"subtitles"`
	Audio     bool `toml:"audio"`
}

// Subtitles configures the cue track.
type Subtitles struct {
	Language string `toml:"language"`
	// Labels maps risk types (as strings) to cue text.
	Labels  map[string]string `toml:"labels"`
	Unknown string            `toml:"unknown"`
}

// Ledger selects the manifest ledger backend.
type Ledger struct {
	// Mode is "local" (sidecar snapshot) or "raft".
	Mode     string   `toml:"mode"`
	NodeID   string   `toml:"node_id"`
	Bind     string   `toml:"bind"`
	Peers    []string `toml:"peers"`
	DataDir  string   `toml:"data_dir"`
	LogLevel string   `toml:"log_level"`
}

// Server configures the HTTP origin.
type Server struct {
	Bind string `toml:"bind"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for semhls.
type Config struct {
	Paths        Paths             `toml:"paths"`
	Timeline     Timeline          `toml:"timeline"`
	Encoder      Encoder           `toml:"encoder"`
	Capabilities Capabilities      `toml:"capabilities"`
	Profiles     []variant.Profile `toml:"profiles"`
	Subtitles    Subtitles         `toml:"subtitles"`
	Ledger       Ledger            `toml:"ledger"`
	Server       Server            `toml:"server"`
	Logging      Logging           `toml:"logging"`
}

// Load parses the configuration file at path over the defaults, applies SEMHLS_* environment
// overrides, then normalizes and validates. A missing file at an explicit path is not an error;
// the defaults are used. It returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// LoadDotEnv loads environment files into the process environment. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Finalize normalizes and validates a config built or modified in code.
func (c *Config) Finalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	projectPath, err := filepath.Abs("semhls.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// AnnotationPath returns the absolute annotation file path.
func (c *Config) AnnotationPath() string {
	return resolveUnder(c.Paths.InputDir, c.Paths.Annotation)
}

// FrameDir returns the source frame directory for a rendition.
func (c *Config) FrameDir(privacy bool) string {
	if privacy {
		return resolveUnder(c.Paths.InputDir, c.Paths.PrivacyFrames)
	}
	return resolveUnder(c.Paths.InputDir, c.Paths.ClearFrames)
}

func resolveUnder(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
