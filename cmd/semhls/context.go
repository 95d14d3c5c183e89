package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/semhls/internal/config"
	"github.com/agleyzer/semhls/internal/encoder"
	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/logging"
	"github.com/agleyzer/semhls/internal/metrics"
	"github.com/agleyzer/semhls/internal/pipeline"
)

// leaderWaitTimeout bounds the wait for a raft leader before appending.
const leaderWaitTimeout = 30 * time.Second

type globalFlags struct {
	config    string
	envFile   string
	logLevel  string
	logFormat string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error

	metricsOnce sync.Once
	metrics     *metrics.Metrics

	// node is the raft ledger started for this invocation, if any.
	node *ledger.Replicated
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads .env, the config file and the flag overrides once.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var envFiles []string
		if f := strings.TrimSpace(c.flags.envFile); f != "" {
			envFiles = append(envFiles, f)
		}
		if err := config.LoadDotEnv(envFiles...); err != nil {
			c.configErr = err
			return
		}

		cfg, path, exists, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if c.flags.logLevel != "" || c.flags.logFormat != "" {
			if c.flags.logLevel != "" {
				cfg.Logging.Level = c.flags.logLevel
			}
			if c.flags.logFormat != "" {
				cfg.Logging.Format = c.flags.logFormat
			}
			if err := cfg.Finalize(); err != nil {
				c.configErr = err
				return
			}
		}

		logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			c.configErr = err
			return
		}

		logger.Debug("configuration loaded", "path", path, "exists", exists)
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

func (c *commandContext) loggerValue() *slog.Logger {
	if c.logger == nil {
		return logging.Discard()
	}
	return c.logger
}

func (c *commandContext) metricsValue() *metrics.Metrics {
	c.metricsOnce.Do(func() {
		c.metrics = metrics.New()
	})
	return c.metrics
}

// pipelineOptions maps the configuration onto orchestrator options.
func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		AnnotationPath:  cfg.AnnotationPath(),
		ClearFrameDir:   cfg.FrameDir(false),
		PrivacyFrameDir: cfg.FrameDir(true),
		StagingDir:      cfg.Paths.StagingDir,
		OutputDir:       cfg.Paths.OutputDir,
		CatalogPath:     cfg.Paths.CatalogPath,
		FrameRate:       cfg.Timeline.FrameRate,
		ChunkSeconds:    cfg.Timeline.ChunkSeconds,
		Range:           cfg.Range(),
		Profiles:        cfg.Profiles,
		Capabilities: pipeline.Capabilities{
			Privacy:   cfg.Capabilities.Privacy,
			Subtitles: cfg.Capabilities.Subtitles,
			Audio:     cfg.Capabilities.Audio,
		},
		SubtitleLanguage: cfg.Subtitles.Language,
		SubtitleLabels:   cfg.SubtitleLabels(),
		Workers:          cfg.Encoder.Workers,
	}
}

// newOrchestrator builds an orchestrator, starting a raft ledger when configured. The returned
// func releases the ledger.
func (c *commandContext) newOrchestrator(ctx context.Context, opts pipeline.Options, withEncoder bool) (*pipeline.Orchestrator, func(), error) {
	cfg := c.config
	logger := c.loggerValue()

	var enc encoder.Encoder
	if withEncoder {
		if err := encoder.CheckBinary(cfg.Encoder.Binary); err != nil {
			return nil, nil, err
		}
		enc = encoder.NewFFmpeg(cfg.Encoder.Binary, cfg.Timeline.FrameRate, cfg.Timeline.ChunkSeconds, cfg.Paths.WorkDir, logger)
	}

	o := pipeline.New(opts, enc, c.metricsValue(), logger)
	if cfg.Ledger.Mode != "raft" {
		return o, func() {}, nil
	}

	node, err := c.replicatedLedger(ctx)
	if err != nil {
		return nil, nil, err
	}
	o.WithLedger(node)
	return o, c.shutdownLedger, nil
}

// servingLedger returns the ledger reported by the HTTP health endpoint: the raft node when
// one runs, otherwise the sidecar snapshot of the output tree.
func (c *commandContext) servingLedger(ctx context.Context) (ledger.Ledger, error) {
	if c.config.Ledger.Mode == "raft" {
		return c.replicatedLedger(ctx)
	}
	return ledger.OpenLocal(ledger.SidecarPath(c.config.Paths.OutputDir), c.loggerValue())
}

func (c *commandContext) replicatedLedger(ctx context.Context) (*ledger.Replicated, error) {
	if c.node != nil {
		return c.node, nil
	}
	node, err := startReplicated(ctx, c.config, c.loggerValue())
	if err != nil {
		return nil, err
	}
	c.node = node
	return node, nil
}

func (c *commandContext) shutdownLedger() {
	if c.node == nil {
		return
	}
	if err := c.node.Shutdown(); err != nil {
		c.loggerValue().Warn("ledger shutdown failed", "error", err)
	}
	c.node = nil
}

func startReplicated(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Replicated, error) {
	node, err := ledger.NewReplicated(ledger.Config{
		NodeID:   cfg.Ledger.NodeID,
		BindAddr: cfg.Ledger.Bind,
		Peers:    cfg.Ledger.Peers,
		DataDir:  cfg.Ledger.DataDir,
		LogLevel: cfg.Ledger.LogLevel,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
	defer cancel()
	if err := node.WaitForLeader(waitCtx); err != nil {
		_ = node.Shutdown()
		return nil, fmt.Errorf("wait for ledger leader: %w", err)
	}
	if !node.IsLeader() {
		logger.Warn("this node is not the ledger leader; appends will fail", "leader", node.LeaderAddr())
	}
	return node, nil
}
