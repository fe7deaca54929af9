// Package cli is the cellserve command line.
//
//	cellserve init                      write cellserve.yaml and the notebook dir
//	cellserve check  [--source DIR]     compile and report warnings
//	cellserve routes [--source DIR]     print the route table
//	cellserve next   EXPR | --cron | --interval [-n N]
//	cellserve history [--task T] [-n N] recent scheduled runs from storage
//	cellserve run    [--config FILE]    serve until SIGINT/SIGTERM
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cellserve/internal/app"
	"cellserve/internal/compiler"
	"cellserve/internal/config"
	"cellserve/internal/notebook"
	"cellserve/internal/storage"
	"cellserve/internal/trigger"
	"cellserve/pkg/logx"
)

// Version is overridden at build time with -ldflags "-X cellserve/internal/cli.Version=...".
var Version = "dev"

const defaultConfig = "cellserve.yaml"

// defaultIgnore is written next to the notebooks by init.
const defaultIgnore = `# notebooks matching these patterns are not compiled
.ipynb_checkpoints/
scratch/
`

type rootOptions struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	ro := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "cellserve",
		Short: "cellserve: serve annotated notebook cells as HTTP, WebSocket and scheduled jobs",
		Long: `cellserve compiles notebook code cells annotated with
# @HTTP, # @WS and # @SCHEDULE headers into a service description
and runs it:
- HTTP routes with typed query, header and body validation
- WebSocket endpoints with rooms and streaming replies
- cron and interval jobs with run history`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&ro.configFile, "config", "c", defaultConfig, "config file path")

	rootCmd.AddCommand(buildInitCommand(ro))
	rootCmd.AddCommand(buildCheckCommand(ro))
	rootCmd.AddCommand(buildRoutesCommand(ro))
	rootCmd.AddCommand(buildNextCommand())
	rootCmd.AddCommand(buildHistoryCommand(ro))
	rootCmd.AddCommand(buildRunCommand(ro))

	return rootCmd
}

func buildInitCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config and notebook directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), ro.configFile)
		},
	}
}

func runInit(out io.Writer, cfgPath string) error {
	wrote, err := writeIfAbsent(cfgPath, config.Template)
	if err != nil {
		return err
	}
	report(out, cfgPath, wrote)

	cfg, err := config.Decode(cfgPath, []byte(config.Template))
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	dir := cfg.Source.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(cfgPath), dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ignoreName := cfg.Source.IgnoreFile
	if ignoreName == "" {
		ignoreName = notebook.IgnoreFile
	}
	ignorePath := filepath.Join(dir, ignoreName)
	wrote, err = writeIfAbsent(ignorePath, defaultIgnore)
	if err != nil {
		return err
	}
	report(out, ignorePath, wrote)
	return nil
}

func writeIfAbsent(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func report(out io.Writer, path string, wrote bool) {
	if wrote {
		fmt.Fprintf(out, "wrote %s\n", path)
		return
	}
	fmt.Fprintf(out, "%s exists, left unchanged\n", path)
}

func buildCheckCommand(ro *rootOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the notebooks and report warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compileFor(cmd.Context(), ro.configFile, source)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range res.Service.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			svc := res.Service
			fmt.Fprintf(out, "ok: %d documents, %d cells, %d annotated: %d routes, %d sockets, %d schedules\n",
				res.Documents, res.Cells, res.Annotated,
				len(svc.Routes()), len(svc.Sockets()), len(svc.Schedules()))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "notebook directory (overrides source.dir from the config)")
	return cmd
}

func buildRoutesCommand(ro *rootOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the compiled route, socket and schedule tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compileFor(cmd.Context(), ro.configFile, source)
			if err != nil {
				return err
			}
			return compiler.WriteTable(cmd.OutOrStdout(), res.Service)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "notebook directory (overrides source.dir from the config)")
	return cmd
}

// compileFor compiles source when given, else the config's source dir in the
// scheduler timezone.
func compileFor(ctx context.Context, cfgPath, source string) (*compiler.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if source != "" {
		return app.Compile(ctx, config.SourceConfig{Dir: source}, time.Local)
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	return app.Compile(ctx, cfg.Source, loc)
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func buildNextCommand() *cobra.Command {
	var (
		cronExpr string
		interval string
		count    int
		from     string
		tz       string
	)
	cmd := &cobra.Command{
		Use:   "next [EXPR]",
		Short: "Preview upcoming fire times of a cron or interval trigger",
		Example: `  cellserve next --cron "0 */15 * * * *" -n 3
  cellserve next --interval 90s
  cellserve next "0 0 9 * * 1-5" --tz Asia/Jakarta`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				spec trigger.Spec
				err  error
			)
			if len(args) == 1 {
				if cronExpr != "" || interval != "" {
					return errors.New("pass EXPR or --cron/--interval, not both")
				}
				spec, err = trigger.Parse(args[0])
			} else {
				spec, err = trigger.NewSpec(cronExpr, interval)
			}
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("-n must be positive, got %d", count)
			}
			loc, err := loadLocation(tz)
			if err != nil {
				return err
			}
			ref := time.Now().In(loc)
			if from != "" {
				ref, err = time.ParseInLocation(time.RFC3339, from, loc)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				ref = ref.In(loc)
			}
			return writeNext(cmd.OutOrStdout(), spec, ref, count)
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "six-field cron expression (sec min hour dom month dow)")
	cmd.Flags().StringVar(&interval, "interval", "", "interval such as 30s, 5m, 2h")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&from, "from", "", "reference time (RFC3339), default now")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for cron evaluation, default local")
	return cmd
}

func writeNext(out io.Writer, spec trigger.Spec, ref time.Time, n int) error {
	t := ref
	for i := 0; i < n; i++ {
		next, err := trigger.NextFireAfter(spec, t)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, next.Format(time.RFC3339))
		t = next
	}
	return nil
}

func buildHistoryCommand(ro *rootOptions) *cobra.Command {
	var (
		task  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent scheduled runs from the run store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("-n must be positive, got %d", count)
			}
			cfg, err := config.NewManager(ro.configFile).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := app.OpenStorage(cfg, logx.Nop())
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			if st == nil {
				return fmt.Errorf("storage is disabled in %s", ro.configFile)
			}
			defer st.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			runs, err := st.RecentRuns(ctx, task, count)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only runs of this task")
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of runs, newest first")
	return cmd
}

func writeHistory(w io.Writer, runs []storage.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEDULED\tTASK\tOUTCOME\tTOOK\tERROR")
	for _, r := range runs {
		took, msg := "-", "-"
		if r.Outcome != storage.OutcomeSkipped {
			took = r.Duration.String()
		}
		if r.Error != "" {
			msg = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Scheduled.Format(time.RFC3339), r.Task, r.Outcome, took, msg)
	}
	return tw.Flush()
}

func buildRunCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Compile the notebooks and serve them",
		Long:  "Compile the notebooks, then serve HTTP routes and sockets and run schedules until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			return runServe(ctx, ro.configFile, sigCh)
		},
	}
}

// runServe runs the app until a signal arrives, ctx ends or the app fails.
func runServe(ctx context.Context, cfgPath string, sigCh <-chan os.Signal, opts ...app.Option) error {
	a, err := app.New(ctx, cfgPath, opts...)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}

	stopErr := a.Stop(context.Background(), reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}
