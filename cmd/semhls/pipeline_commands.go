package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agleyzer/semhls/internal/pipeline"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/server"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		resume   bool
		finalize bool
		serve    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Chunk, encode and publish a full run",
		Long: `Chunk the annotation into segments, stage frames, write the master playlist and
append every encoded segment to its channel playlist.

With --resume the latest persisted segment sets and the existing output tree are reused;
segments already present in a channel are not encoded again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipelineOptions(ctx.config)
			opts.Rechunk = !resume
			opts.InitOutput = !resume
			opts.Finalize = finalize

			o, release, err := ctx.newOrchestrator(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer release()

			summary, err := o.Run(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary)
			if err != nil {
				return err
			}

			if !serve {
				return nil
			}
			l, err := ctx.servingLedger(cmd.Context())
			if err != nil {
				return err
			}
			srv := server.New(ctx.config.Paths.OutputDir, ctx.config.Server.Bind, l, ctx.metricsValue(), ctx.loggerValue())
			return ignoreCanceled(srv.Start(cmd.Context()))
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "Reuse the persisted segment sets and output tree")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "Close every channel after the last append")
	cmd.Flags().BoolVar(&serve, "serve", false, "Serve the output tree after the run")
	return cmd
}

func newChunkCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "chunk",
		Short: "Chunk the annotation, stage frames and persist the segment sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, release, err := ctx.newOrchestrator(cmd.Context(), pipelineOptions(ctx.config), false)
			if err != nil {
				return err
			}
			defer release()

			summary, err := o.Chunk(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}
}

func newEncodeCommand(ctx *commandContext) *cobra.Command {
	var (
		initOutput bool
		finalize   bool
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode and publish the latest persisted segment sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipelineOptions(ctx.config)
			opts.InitOutput = initOutput
			opts.Finalize = finalize

			o, release, err := ctx.newOrchestrator(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer release()

			summary, err := o.Run(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	cmd.Flags().BoolVar(&initOutput, "init", false, "Reset the output tree and write the master playlist first")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "Close every channel after the last append")
	return cmd
}

func newMasterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Write the master playlist and empty every channel playlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := pipeline.New(pipelineOptions(ctx.config), nil, nil, ctx.loggerValue())
			if err := o.WriteMaster(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d streams to %s\n", len(o.Options().Channels()), ctx.config.Paths.OutputDir)
			return nil
		},
	}
}

func newSubtitlesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subtitles",
		Short: "Write the subtitle track of the latest persisted segment set",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := pipeline.New(pipelineOptions(ctx.config), nil, nil, ctx.loggerValue())
			return o.WriteSubtitles(cmd.Context())
		},
	}
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Regenerate every channel playlist from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, release, err := ctx.newOrchestrator(cmd.Context(), pipelineOptions(ctx.config), false)
			if err != nil {
				return err
			}
			defer release()
			return o.Render(cmd.Context())
		},
	}
}

func printSummary(w io.Writer, s pipeline.Summary) {
	if s.RunID == "" {
		return
	}
	variants := make([]segment.Variant, 0, len(s.Segments))
	for v := range s.Segments {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })

	parts := make([]string, 0, len(variants))
	for _, v := range variants {
		parts = append(parts, fmt.Sprintf("%s=%d", v, s.Segments[v]))
	}

	fmt.Fprintf(w, "Run %s\n", s.RunID)
	fmt.Fprintf(w, "  segments: %s\n", strings.Join(parts, " "))
	fmt.Fprintf(w, "  dropped frames: %d\n", s.DroppedFrames)
	fmt.Fprintf(w, "  appends: %d (skipped %d)\n", s.Appends, s.Skipped)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
