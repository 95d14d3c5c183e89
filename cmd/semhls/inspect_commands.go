package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/semhls/internal/catalog"
	"github.com/agleyzer/semhls/internal/parser"
	"github.com/agleyzer/semhls/internal/server"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "inspect <playlist>",
		Short:       "Show the tagged entries of a channel playlist",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := parser.ParseChannelFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version %d, target duration %ds", info.Header.Version, info.Header.TargetDuration)
			if info.DiscontinuitySequence >= 0 {
				fmt.Fprintf(out, ", discontinuity sequence %d", info.DiscontinuitySequence)
			}
			fmt.Fprintf(out, ", closed %s\n", yesNo(info.Closed))

			rows := make([][]string, 0, len(info.Entries))
			for i, e := range info.Entries {
				next := "-"
				if e.Tags.NextLevel != nil {
					next = strconv.Itoa(*e.Tags.NextLevel)
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					e.URI,
					strconv.FormatFloat(e.Duration, 'f', 3, 64),
					strconv.Itoa(e.Tags.Type),
					strconv.Itoa(e.Tags.Level),
					next,
					yesNo(e.Tags.Privacy),
				})
			}

			headers := []string{"#", "URI", "Duration", "Type", "Level", "Next", "Privacy"}
			aligns := []columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns, colorEnabled(out)))
			return nil
		},
	}
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := catalog.Open(ctx.config.Paths.CatalogPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				frames := fmt.Sprintf("%d-", r.StartFrame)
				if r.EndFrame > 0 {
					frames += strconv.Itoa(r.EndFrame)
				}
				rows = append(rows, []string{
					r.ID,
					r.CreatedAt.Local().Format(time.DateTime),
					fmt.Sprintf("%d fps x %ds", r.FrameRate, r.ChunkSeconds),
					frames,
					strconv.Itoa(r.Segments),
					yesNo(r.Privacy),
					yesNo(r.Subtitles),
				})
			}

			headers := []string{"Run", "Created", "Chunk", "Frames", "Segments", "Privacy", "Subtitles"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns, colorEnabled(out)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	return cmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the output tree over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ctx.config.Server.Bind
			if bind != "" {
				addr = bind
			}

			l, err := ctx.servingLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer ctx.shutdownLedger()

			srv := server.New(ctx.config.Paths.OutputDir, addr, l, ctx.metricsValue(), ctx.loggerValue())
			return ignoreCanceled(srv.Start(cmd.Context()))
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "semhls %s\n", version)
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
