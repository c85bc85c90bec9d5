package migrasi

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type CliConfig struct {
	// Migrasi is used as is when set. Otherwise the CLI builds one from the
	// --config file.
	Migrasi *Migrasi
	// Locker guards mutating commands of a prebuilt Migrasi.
	Locker  Locker
	CliName string
	Logger  *logrus.Logger
}

type Cli struct {
	migrasi  *Migrasi
	locker   Locker
	cliName  string
	logger   *logrus.Logger
	registry *prometheus.Registry

	configPath  string
	envFiles    []string
	debug       bool
	metricsFile string
	lockTimeout time.Duration
	closeDriver func() error
}

func NewCli(config CliConfig) (*Cli, error) {
	if config.CliName == "" {
		config.CliName = "migrasi"
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Locker == nil {
		config.Locker = nopLocker{}
	}

	return &Cli{
		migrasi:     config.Migrasi,
		locker:      config.Locker,
		cliName:     config.CliName,
		logger:      config.Logger,
		registry:    prometheus.NewRegistry(),
		lockTimeout: defaultLockTimeout,
	}, nil
}

func (c *Cli) Execute(ctx context.Context) error {
	err := c.Command(ctx).ExecuteContext(ctx)
	if closeErr := c.teardown(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Command builds the root command with every subcommand attached.
func (c *Cli) Command(ctx context.Context) *cobra.Command {
	var discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Scan the migration directory and validate the version sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts, err := c.migrasi.Discover()
			if err != nil {
				c.logger.WithError(err).Error("Error discovering migrations")
				return err
			}
			ScriptList(scripts).Print()
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending counts and check integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := c.migrasi.Status(cmd.Context())
			status.Print()
			if !status.IntegrityOK {
				return errors.Errorf("integrity check failed with %d error(s)", len(status.Errors))
			}
			return nil
		},
	}

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.migrasi.List(cmd.Context())
			if err != nil {
				c.logger.WithError(err).Error("Error listing migrations")
				return err
			}
			list.Print()
			return nil
		},
	}

	var runCfg RunConfig
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.locked(cmd.Context(), func(ctx context.Context) error {
				results, err := c.migrasi.Migrate(ctx, runCfg)
				return c.report(results, err, "Error running migrations")
			})
		},
	}
	addRunFlags(migrateCmd, &runCfg)
	migrateCmd.Flags().BoolVar(&runCfg.ContinueOnFailure, "continue-on-failure", false, "Keep applying later migrations after one fails")
	migrateCmd.Flags().BoolVar(&runCfg.RollbackOnError, "rollback-on-error", false, "Revert the last migration applied by this run if a later one fails")

	var (
		rollbackReq RollbackRequest
		toVersion   int
	)
	var rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Rollback applied migrations (the last one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rollbackReq
			if cmd.Flags().Changed("to-version") {
				req.TargetVersion = &toVersion
			}
			if !cmd.Flags().Changed("step") && (req.TargetVersion != nil || req.TargetMigrationName != "") {
				req.StepCount = 0
			}
			if req.StepCount < 0 || (cmd.Flags().Changed("step") && req.StepCount == 0) {
				return errors.Wrap(ErrInvalidRollbackStep, "step must be greater than 0")
			}

			return c.locked(cmd.Context(), func(ctx context.Context) error {
				results, err := c.migrasi.Rollback(ctx, req)
				return c.report(results, err, "Error rolling back migrations")
			})
		},
	}
	rollbackCmd.Flags().IntVarP(&rollbackReq.StepCount, "step", "s", 1, "Number of migrations to rollback")
	rollbackCmd.Flags().IntVar(&toVersion, "to-version", 0, "Rollback every migration above this version")
	rollbackCmd.Flags().StringVar(&rollbackReq.TargetMigrationName, "to-name", "", "Rollback every migration applied after this one")
	rollbackCmd.Flags().BoolVar(&rollbackReq.DryRun, "dry-run", false, "Show the rollback plan without executing it")
	rollbackCmd.Flags().BoolVar(&rollbackReq.Force, "force", false, "Pass over migrations without a rollback script instead of aborting")

	var freshCfg RunConfig
	var freshCmd = &cobra.Command{
		Use:   "fresh",
		Short: "Drop all tables and re-run all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.locked(cmd.Context(), func(ctx context.Context) error {
				results, err := c.migrasi.Fresh(ctx, freshCfg)
				return c.report(results, err, "Error running fresh migrations")
			})
		},
	}
	addRunFlags(freshCmd, &freshCfg)

	var resetCfg RunConfig
	var resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Rollback all migrations and re-run all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.locked(cmd.Context(), func(ctx context.Context) error {
				results, err := c.migrasi.Reset(ctx, resetCfg)
				return c.report(results, err, "Error resetting migrations")
			})
		},
	}
	addRunFlags(resetCmd, &resetCfg)

	var cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Clean database (delete all tables)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.locked(cmd.Context(), func(ctx context.Context) error {
				if err := c.migrasi.Clean(ctx); err != nil {
					c.logger.WithError(err).Error("Error cleaning database")
					return err
				}
				return nil
			})
		},
	}

	var createCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.migrasi.Create(args[0]); err != nil {
				c.logger.WithError(err).Error("Error creating migration")
				return err
			}
			return nil
		},
	}

	var rootCmd = &cobra.Command{
		Use:           c.cliName,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	rootCmd.SetContext(ctx)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "migrasi.yaml", "Path to the YAML config file")
	flags.StringSliceVar(&c.envFiles, "env-file", nil, "Env files loaded before the config is read (default .env when present)")
	flags.BoolVar(&c.debug, "debug", false, "Enable debug logging and print executed SQL")
	flags.StringVar(&c.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the command")
	flags.DurationVar(&c.lockTimeout, "lock-timeout", defaultLockTimeout, "How long to wait for the migration lock")

	rootCmd.AddCommand(
		discoverCmd,
		statusCmd,
		listCmd,
		migrateCmd,
		rollbackCmd,
		freshCmd,
		resetCmd,
		cleanCmd,
		createCmd,
	)

	return rootCmd
}

func addRunFlags(cmd *cobra.Command, cfg *RunConfig) {
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false, "Validate and split migrations without executing them")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 0, "Deadline for the whole run (0 disables)")
	cmd.Flags().DurationVar(&cfg.TransactionTimeout, "tx-timeout", 0, "Deadline for each migration transaction (0 uses the config value)")
	cmd.Flags().BoolVar(&cfg.NoSplit, "no-split", false, "Send each migration to the database as a single multi-statement call")
}

// setup builds Migrasi from the config file unless one was supplied.
func (c *Cli) setup(cmd *cobra.Command) error {
	if c.debug {
		c.logger.SetLevel(logrus.DebugLevel)
	}
	if c.migrasi != nil {
		return nil
	}

	if err := LoadEnv(c.envFiles...); err != nil {
		return err
	}
	cfg, err := LoadConfigFile(c.configPath)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("lock-timeout") {
		c.lockTimeout = cfg.Lock.Timeout
	}

	driver, err := OpenDriver(cmd.Context(), cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	c.closeDriver = driver.Close

	m, err := New(&Config{
		Driver:             driver,
		MigrationFilesDir:  cfg.MigrationsDir,
		LedgerTableName:    cfg.LedgerTable,
		AppliedBy:          cfg.AppliedBy,
		TransactionTimeout: cfg.TransactionTimeout,
		NoSplit:            cfg.NoSplit,
		DebugSql:           c.debug,
		Logger:             c.logger,
		Registerer:         c.registry,
	})
	if err != nil {
		_ = driver.Close()
		return err
	}

	c.migrasi = m
	c.locker = cfg.Locker(driver)
	return nil
}

func (c *Cli) teardown() error {
	if c.metricsFile != "" {
		if err := prometheus.WriteToTextfile(c.metricsFile, c.registry); err != nil {
			c.logger.WithError(err).Warn("failed to write metrics file")
		}
	}
	if c.closeDriver != nil {
		closeDriver := c.closeDriver
		c.closeDriver = nil
		return closeDriver()
	}
	return nil
}

func (c *Cli) locked(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.migrasi == nil {
		return ErrMigrasiNotProvided
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	if err := c.locker.Lock(lockCtx); err != nil {
		c.logger.WithError(err).Error("Error acquiring migration lock")
		return err
	}
	defer func() {
		if err := c.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.WithError(err).Warn("failed to release migration lock")
		}
	}()

	return fn(ctx)
}

// report prints results and turns a failed script into a non-nil error so
// the process exits non-zero.
func (c *Cli) report(results RunResultList, err error, message string) error {
	if len(results) > 0 {
		results.Print()
	}
	if err != nil {
		c.logger.WithError(err).Error(message)
		return err
	}
	if failed, ok := results.Failed(); ok {
		return errors.Wrapf(failed.Error, "%s failed", failed.Script.Key())
	}
	return nil
}
