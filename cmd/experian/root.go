package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/experian_v2/internal/csvfile"
	"github.com/msageha/experian_v2/internal/delivery"
	"github.com/msageha/experian_v2/internal/logging"
	"github.com/msageha/experian_v2/internal/model"
	"github.com/msageha/experian_v2/internal/remote"
	"github.com/msageha/experian_v2/internal/setup"
)

type app struct {
	configPath string
	logLevel   string

	cfg    model.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "experian",
		Short: "Deliver a mailing list through the list/schedule API",
		Long: `experian merges the CSV fragments produced by a data pipeline into one list,
uploads it, waits until the remote side has processed it, optionally sends a
test delivery, and reserves the send of a draft at the configured time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "init" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	root.AddCommand(a.runCmd(), a.deliverCmd(), a.checkCmd(), initCmd(), versionCmd())
	return root
}

func (a *app) init() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [input.csv...]",
		Short: "Split the input files across workers and deliver them",
		Long: `Each input file (UTF-8 CSV with a header line) is drained by its own worker into
a partial file. All inputs must share the same header, which becomes the list schema.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := model.NewTask(a.cfg, time.Now())
			if err != nil {
				return err
			}

			var schema model.Schema
			sources := make([]csvfile.BatchSource, 0, len(args))
			for _, path := range args {
				src, err := csvfile.OpenFileSource(path, task.BatchSize)
				if err != nil {
					return err
				}
				defer src.Close()
				if schema == nil {
					schema = src.Schema()
				} else if !schema.Equal(src.Schema()) {
					return fmt.Errorf("%s: header %q does not match %q", path, src.Schema().Header(), schema.Header())
				}
				sources = append(sources, src)
			}
			if len(a.cfg.Columns) > 0 && !schema.Equal(model.Schema(a.cfg.Columns)) {
				return fmt.Errorf("input header %q does not match configured columns %q",
					schema.Header(), model.Schema(a.cfg.Columns).Header())
			}
			return a.deliver(cmd.Context(), task, schema, sources...)
		},
	}
}

func (a *app) deliverCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver partial files already written to tmpdir by an external pipeline",
		Long: `The pipeline writes {tmpdir}/{tmpfile_prefix}_{n}.csv without a header; the
header comes from the columns option. With --wait, delivery starts only after the
pipeline has created {tmpdir}/{tmpfile_prefix}.done.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.TmpfilePrefix == "" {
				return errors.New("deliver needs tmpfile_prefix to find the pipeline's partial files")
			}
			if len(a.cfg.Columns) == 0 {
				return errors.New("deliver needs columns for the header line")
			}
			task, err := model.NewTask(a.cfg, time.Now())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if wait {
				if err := task.EnsureTmpdir(); err != nil {
					return err
				}
				waitCtx := ctx
				if timeout > 0 {
					var cancel context.CancelFunc
					waitCtx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				a.logger.Info("waiting for completion marker", zap.String("marker", task.MarkerName()))
				if err := delivery.WaitForMarker(waitCtx, task.Tmpdir, task.MarkerName()); err != nil {
					return fmt.Errorf("wait for %s: %w", task.MarkerName(), err)
				}
			}
			return a.deliver(ctx, task, model.Schema(a.cfg.Columns))
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the completion marker before merging")
	cmd.Flags().DurationVar(&timeout, "wait-timeout", 0, "give up waiting after this long (0 = no limit)")
	return cmd
}

func (a *app) deliver(ctx context.Context, task model.Task, schema model.Schema, sources ...csvfile.BatchSource) error {
	client, err := remote.NewClient(task, remote.WithLogger(a.logger))
	if err != nil {
		return err
	}
	return delivery.New(task, schema, client, delivery.WithLogger(a.logger)).Run(ctx, sources...)
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and show what a run would do",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := model.NewTask(a.cfg, time.Now())
			if err != nil {
				return err
			}
			if _, err := remote.ApplyFieldKeys(remote.DefaultOperations(), task.Protocol.Fields); err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), task)
			return nil
		},
	}
}

func printTask(w io.Writer, t model.Task) {
	fmt.Fprintf(w, "endpoint:     https://%s/%s/\n", t.Host, t.SiteID)
	fmt.Fprintf(w, "login_id:     %s\n", t.LoginID)
	fmt.Fprintf(w, "merged file:  %s\n", t.MergedPath())
	fmt.Fprintf(w, "encoding:     %s\n", t.Encoding.Name())
	fmt.Fprintf(w, "csvfile_id:   %d\n", t.CSVFileID)
	fmt.Fprintf(w, "draft_id:     %d\n", t.DraftID)
	fmt.Fprintf(w, "title:        %s\n", t.Title())
	fmt.Fprintf(w, "book time:    %s (JST)\n", t.Book)
	if t.HasDeliveryTest() {
		fmt.Fprintf(w, "test address: %s\n", t.TestAddress)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example config file (default ./experian.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "experian.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := setup.WriteConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "experian %s\n", version)
		},
	}
}
