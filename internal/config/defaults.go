package config

import "github.com/agleyzer/semhls/internal/variant"

const (
	defaultConfigPath       = "~/.config/semhls/config.toml"
	defaultInputDir         = "input"
	defaultAnnotation       = "output.csv"
	defaultClearFrames      = "frame"
	defaultPrivacyFrames    = "frame_blur"
	defaultStagingDir       = "work/segments"
	defaultWorkDir          = "work/encode"
	defaultOutputDir        = "hls"
	defaultCatalogPath      = "work/semhls.db"
	defaultFrameRate        = 30
	defaultChunkSeconds     = 1
	defaultEncoderBinary    = "ffmpeg"
	defaultSubtitleLanguage = "ko"
	defaultLedgerMode       = "local"
	defaultLedgerNodeID     = "node-1"
	defaultLedgerLogLevel   = "off"
	defaultServerBind       = "127.0.0.1:8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Paths: Paths{
			InputDir:      defaultInputDir,
			Annotation:    defaultAnnotation,
			ClearFrames:   defaultClearFrames,
			PrivacyFrames: defaultPrivacyFrames,
			StagingDir:    defaultStagingDir,
			WorkDir:       defaultWorkDir,
			OutputDir:     defaultOutputDir,
			CatalogPath:   defaultCatalogPath,
		},
		Timeline: Timeline{
			FrameRate:    defaultFrameRate,
			ChunkSeconds: defaultChunkSeconds,
		},
		Encoder: Encoder{
			Binary: defaultEncoderBinary,
		},
		Capabilities: Capabilities{
			Privacy:   true,
			Subtitles: true,
			Audio:     true,
		},
		Profiles: variant.DefaultProfiles(),
		Subtitles: Subtitles{
			Language: defaultSubtitleLanguage,
		},
		Ledger: Ledger{
			Mode:     defaultLedgerMode,
			NodeID:   defaultLedgerNodeID,
			LogLevel: defaultLedgerLogLevel,
		},
		Server: Server{
			Bind: defaultServerBind,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
