// Package main provides the CLI entrypoint for crmsync.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/crmsync/internal/api"
	"github.com/JohanCodinha/crmsync/internal/cache"
	"github.com/JohanCodinha/crmsync/internal/config"
	"github.com/JohanCodinha/crmsync/internal/fs"
	"github.com/JohanCodinha/crmsync/internal/logger"
	"github.com/JohanCodinha/crmsync/internal/sync"
	"github.com/JohanCodinha/crmsync/internal/virtuous"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "crmsync",
		Short: "Mirror tagged CRM contacts into a local cache",
		Long: `crmsync pages the contacts carrying the patient families tag out of
Virtuous CRM into a local SQLite cache, one resumable step at a time,
and keeps each family's last engagement date up to date.

The cache can be queried from the command line, served over HTTP,
or mounted read-only as a directory of markdown files.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/crmsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "also write logs to this file")

	rootCmd.AddCommand(
		newStateCmd(flags),
		newSyncCmd(flags),
		newRefreshCmd(flags),
		newListCmd(flags),
		newClearCmd(flags),
		newMountCmd(flags),
		newUnmountCmd(),
		newServeCmd(flags),
	)
	return rootCmd
}

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	db     *cache.DB
	engine *sync.Engine
}

// setup loads configuration, configures logging and opens the cache.
func setup(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFile != "" {
		cfg.Logging.File = flags.logFile
	}

	if err := configureLogging(cfg.Logging); err != nil {
		return nil, err
	}

	if err := ensureCacheDir(cfg.Cache.Path); err != nil {
		return nil, err
	}
	db, err := cache.InitDB(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	logger.Debug("cache: opened %s", db.Path())

	if !cfg.HasCredential() {
		logger.Warn("virtuous: no API key configured; remote operations will fail")
	}
	client := virtuous.New(cfg.Remote)

	return &app{
		cfg:    cfg,
		db:     db,
		engine: sync.NewEngine(db, client, cfg.Sync),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warn("cache: failed to close: %v", err)
	}
	logger.Close()
}

func configureLogging(cfg config.LoggingConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		rot := logger.Rotation{MaxSizeMB: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups, MaxAgeDays: cfg.MaxAgeDays}
		if err := logger.SetLogFile(cfg.File, rot); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}
	return nil
}

// ensureCacheDir creates the directory holding the cache file.
func ensureCacheDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}
	return nil
}

// ensureMountpoint checks the mountpoint is a directory, creating it if missing.
// Returns true when the directory was created.
func ensureMountpoint(mountpoint string) (bool, error) {
	info, err := os.Stat(mountpoint)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
		}
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return false, fmt.Errorf("failed to create mountpoint %q: %w", mountpoint, err)
		}
		return true, nil
	}
	if !info.IsDir() {
		return false, fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}
	return false, nil
}

// unmountCommand returns the platform command that unmounts a FUSE mount.
func unmountCommand(goos, mountpoint string) *exec.Cmd {
	if goos == "darwin" {
		return exec.Command("umount", mountpoint)
	}
	return exec.Command("fusermount", "-u", mountpoint)
}

func newStateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the sync cursor and the number of cached families",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.engine.State(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if state.Cursor == nil {
				fmt.Fprintln(out, "cursor:  not started")
			} else {
				fmt.Fprintf(out, "cursor:  %d (updated %s)\n", state.Cursor.LastSyncedCount,
					state.Cursor.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "cached:  %d families\n", state.CachedCount)
			return nil
		},
	}
}

func newSyncCmd(flags *globalFlags) *cobra.Command {
	var reset, all bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the next page of tagged contacts into the cache",
		Long: `Fetch the next page of tagged contacts and advance the sync cursor.

With --reset the cursor is moved back to the reset offset instead and nothing
is fetched. With --all pages are fetched until the remote total is reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset && all {
				return fmt.Errorf("--reset and --all cannot be combined")
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			switch {
			case reset:
				result, err := a.engine.Reset(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "cursor reset to %d (%d families cached)\n", result.NextSkip, result.CachedCount)
				return nil

			case all:
				_, err := sync.NewDriver(a.engine).SyncAll(ctx, func(r sync.PageResult) {
					printPage(out, r)
				})
				return err

			default:
				result, err := a.engine.SyncPage(ctx)
				if err != nil {
					return err
				}
				printPage(out, result)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "move the cursor back to the reset offset")
	cmd.Flags().BoolVar(&all, "all", false, "keep fetching until complete")
	return cmd
}

func printPage(w io.Writer, r sync.PageResult) {
	status := "in progress"
	if r.Complete {
		status = "complete"
	}
	fmt.Fprintf(w, "fetched %d, cursor %d/%d, %d cached, %s\n", r.Fetched, r.NextSkip, r.Total, r.CachedCount, status)
}

func newRefreshCmd(flags *globalFlags) *cobra.Command {
	var offset, batchSize int
	var all bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute last engagement dates for a batch of cached families",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if all {
				sum, err := sync.NewDriver(a.engine).RefreshAll(ctx, offset, batchSize, func(r sync.RefreshResult) {
					printRefresh(out, r)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "done: %d refreshed, %d failed\n", sum.Refreshed, sum.Failed)
				return nil
			}

			result, err := a.engine.RefreshEngagementDates(ctx, offset, batchSize)
			if err != nil {
				return err
			}
			printRefresh(out, result)
			return nil
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "position in the name-ordered cache to start from")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "families per batch (default from config)")
	cmd.Flags().BoolVar(&all, "all", false, "keep going until every cached family was visited")
	return cmd
}

func printRefresh(w io.Writer, r sync.RefreshResult) {
	fmt.Fprintf(w, "refreshed %d, failed %d, offset %d/%d", r.Refreshed, r.Failed, r.NextOffset, r.TotalCached)
	if r.Complete {
		fmt.Fprint(w, ", complete")
	}
	fmt.Fprintln(w)
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var search string
	var skip, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached families ordered by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			families, total, err := a.db.ListFamilies(cmd.Context(), cache.ListOptions{
				Search: search,
				Offset: skip,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tLAST ENGAGEMENT")
			for _, f := range families {
				last := f.LastEngagementDate
				if last == "" {
					last = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.ID, f.Name, f.ContactType, last)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d families\n", len(families), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "case-insensitive substring of the name")
	cmd.Flags().IntVar(&skip, "skip", 0, "number of families to skip")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of families to show (0 for all)")
	return cmd
}

func newClearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached family and sync cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.db.Clear(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("cache: cleared %d families, %d sync states", result.Families, result.SyncStates)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d families and %d sync states\n", result.Families, result.SyncStates)
			return nil
		},
	}
}

func newMountCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the cache as a read-only directory of markdown files",
		Long: `Mount the cached families as markdown files at the specified mountpoint.

Each family appears as name[id].md. The view is read-only and reflects the
cache as it changes; press Ctrl+C to unmount.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := args[0]

			created, err := ensureMountpoint(mountpoint)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created mountpoint %s\n", mountpoint)
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "mounting %s at %s\n", a.db.Path(), mountpoint)
			fmt.Fprintln(cmd.OutOrStdout(), "press Ctrl+C to unmount")
			if err := fs.NewFS(a.db, mountpoint).Mount(); err != nil {
				return fmt.Errorf("mount error: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "unmounted successfully")
			return nil
		},
	}
}

func newUnmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount <mountpoint>",
		Short: "Unmount a previously mounted view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := args[0]

			info, err := os.Stat(mountpoint)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("mountpoint %q does not exist", mountpoint)
				}
				return fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("mountpoint %q is not a directory", mountpoint)
			}

			abs, err := filepath.Abs(mountpoint)
			if err != nil {
				return fmt.Errorf("failed to get absolute path: %w", err)
			}

			c := unmountCommand(runtime.GOOS, abs)
			c.Stdout = cmd.OutOrStdout()
			c.Stderr = cmd.ErrOrStderr()
			if err := c.Run(); err != nil {
				return fmt.Errorf("failed to unmount: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "unmounted successfully")
			return nil
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return api.NewServer(a.cfg.Server, a.engine, a.db).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8001)")
	return cmd
}
