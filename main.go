package main

import (
	"context"
	"enginepool/pkg/archive"
	"enginepool/pkg/batch"
	"enginepool/pkg/config"
	"enginepool/pkg/oneshot"
	"enginepool/pkg/pool"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/service/healthsvc"
	"enginepool/pkg/sysexec"
	"enginepool/pkg/util/launcher"
	"fmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

const Version = "0.3.0"

var (
	cfgFile string
	debug   bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:     "enginepool",
	Short:   "Run simulation engine jobs on a pool of long-lived processes",
	Version: Version,
}

var batchCmd = &cobra.Command{
	Use:   "batch [input files...]",
	Short: "Run input scripts through an engine pool and report results",
	Long: `batch starts a pool of engines (or one engine per job in oneshot mode),
runs every input script through it and prints a result table.
Exits non-zero if any job failed.`,
	SilenceUsage: true,
	RunE:         runBatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "enginepool", Version)
	},
}

var batchFlags struct {
	manifest  string
	mode      string
	size      int
	tolerance int
	parallel  int
	health    string
	watch     bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "disable logging")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := batchCmd.Flags()
	flags.StringVarP(&batchFlags.manifest, "manifest", "m", "", "job manifest (yaml)")
	flags.StringVar(&batchFlags.mode, "mode", "", "scheduler: pool or oneshot")
	flags.IntVarP(&batchFlags.size, "size", "n", 0, "number of engines in the pool")
	flags.IntVar(&batchFlags.tolerance, "crash-tolerance", 0, "engine crashes tolerated per job")
	flags.IntVarP(&batchFlags.parallel, "parallel", "p", 0, "max jobs in flight (default: pool size)")
	flags.StringVar(&batchFlags.health, "health", "", "serve gRPC health on this address")
	flags.BoolVar(&batchFlags.watch, "watch", false, "watch slot directories instead of only polling")

	rootCmd.AddCommand(batchCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader(os.Getenv).WithFile(cfgFile)
	if debug {
		loader.Set("logging.level", "debug")
	}
	if quiet {
		loader.Set("logging.quiet", "true")
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		loader.Set("mode", batchFlags.mode)
	}
	if flags.Changed("size") {
		loader.Set("pool.size", strconv.Itoa(batchFlags.size))
	}
	if flags.Changed("crash-tolerance") {
		loader.Set("pool.crash_tolerance", strconv.Itoa(batchFlags.tolerance))
	}
	if flags.Changed("health") {
		loader.Set("health.address", batchFlags.health)
	}
	if flags.Changed("watch") {
		loader.Set("pool.watch", strconv.FormatBool(batchFlags.watch))
	}
	return loader.Load()
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (sysexec.Executor, error) {
	if cfg.Remote() {
		return sysexec.DialSSH(cfg.SSHConfig(), logger.With(zap.String("sub", "ssh")))
	}
	return sysexec.NewLocal("", logger.With(zap.String("sub", "local"))), nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	jobs, err := batch.Load(batchFlags.manifest, args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *archive.GCSStore
	if cfg.Archive.Bucket != "" {
		store, err = archive.NewGCSStore(ctx, cfg.ArchiveConfig())
		if err != nil {
			return err
		}
		defer store.Close()
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}

	var sched scheduler.Scheduler
	var probe healthsvc.Probe
	parallel := batchFlags.parallel
	switch cfg.Mode {
	case config.ModePool:
		var opts []pool.Option
		if store != nil {
			opts = append(opts, pool.WithArchive(store))
		}
		p, err := pool.New(ctx, exec, cfg.PoolConfig(), logger, opts...)
		if err != nil {
			exec.Close()
			return err
		}
		sched, probe = p, healthsvc.PoolProbe(p)
		if parallel <= 0 {
			parallel = cfg.Pool.Size
		}
	case config.ModeOneshot:
		var opts []oneshot.Option
		if store != nil {
			opts = append(opts, oneshot.WithArchive(store))
		}
		o, err := oneshot.New(exec, cfg.OneshotConfig(), logger, opts...)
		if err != nil {
			exec.Close()
			return err
		}
		sched = o
	}

	var results []batch.Result
	runners := []launcher.Runner{
		launcher.AsRunner(func(ctx context.Context) error {
			tracker := batch.NewTracker(len(jobs), logger)
			results = batch.Run(ctx, sched, jobs, parallel, tracker)
			return nil
		}),
	}
	if cfg.Health.Address != "" && probe != nil {
		health := healthsvc.New(probe, cfg.Health.RefreshInterval, logger.With(zap.String("sub", "health")))
		runners = append(runners, launcher.AsRunner(func(ctx context.Context) error {
			return health.Run(ctx, cfg.Health.Address)
		}))
	}

	logger.Info("running jobs",
		zap.String("mode", cfg.Mode),
		zap.Int("jobs", len(jobs)),
		zap.Int("parallel", parallel),
	)
	runErr := launcher.RunAll(ctx, runners...)
	if err := sched.Close(); err != nil {
		logger.Warn("failed to close scheduler", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	if err := batch.WriteTable(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed := batch.Failed(results); failed > 0 {
		return errors.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
