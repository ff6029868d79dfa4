package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pghook/pghook/internal/alert"
	"github.com/pghook/pghook/internal/config"
	"github.com/pghook/pghook/internal/forward"
	"github.com/pghook/pghook/internal/journal"
	"github.com/pghook/pghook/internal/listener"
	"github.com/pghook/pghook/internal/logging"
	"github.com/pghook/pghook/internal/telemetry"
	"github.com/pghook/pghook/internal/trigger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	exitConfig       = 1
	exitProvisioning = 2
	exitSubscription = 3
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

var (
	cfgFile      string
	failureLimit int
	purge        bool
)

var rootCmd = &cobra.Command{
	Use:           "pghook",
	Short:         "pghook - PostgreSQL change notifications to webhooks",
	Long:          `Installs row-level notify triggers on PostgreSQL tables and forwards every change to an HTTP webhook`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "pghook.yaml", "config file path")
	failuresCmd.Flags().IntVar(&failureLimit, "limit", 20, "maximum number of failures to show (0 for all)")
	failuresCmd.Flags().BoolVar(&purge, "purge", false, "delete all recorded failures")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failuresCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, withCode(exitConfig, fmt.Errorf("failed to load config: %w", err))
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, withCode(exitConfig, err)
	}
	return cfg, nil
}

func triggerConfig(cfg *config.Config) *trigger.Config {
	return &trigger.Config{
		Channel:       cfg.Listener.Channel,
		Function:      cfg.Listener.Function,
		TriggerPrefix: cfg.Listener.TriggerPrefix,
		Tables:        cfg.Listener.Tables,
	}
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d/%s: %w",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, err)
	}
	return pool, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pghook v0.1.0")
		fmt.Println("PostgreSQL change notifications to webhooks")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Reinstall triggers and forward notifications until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Enabled {
			telemetry.Initialize()
		}
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Database.Database)

		log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("connecting to PostgreSQL")

		pool, err := connect(ctx, cfg)
		if err != nil {
			return withCode(exitSubscription, err)
		}
		defer pool.Close()

		// Provisioning is a reset: drop whatever is there, then install.
		provisioner := trigger.NewProvisioner(pool, triggerConfig(cfg), logging.Component("trigger"))
		provisioner.Drop(ctx)
		report := provisioner.Create(ctx)
		if err := report.Err(); err != nil {
			log.Error().Err(err).Int("failed", report.Failed()).Msg("provisioning incomplete, continuing")
			if aerr := alerts.SendProvisioningAlert(ctx, report.Failed(), err.Error()); aerr != nil {
				log.Warn().Err(aerr).Msg("failed to send alert")
			}
		}

		forwarder, err := forward.NewForwarder(forward.Config{
			URL:        cfg.Webhook.URL,
			Timeout:    cfg.Webhook.Timeout,
			MaxRetries: cfg.Webhook.MaxRetries,
		}, logging.Component("forward"))
		if err != nil {
			return withCode(exitConfig, err)
		}

		conn, err := pool.Acquire(ctx)
		if err != nil {
			return withCode(exitSubscription, fmt.Errorf("unable to acquire postgres connection: %w", err))
		}
		defer conn.Release()

		loop := listener.NewLoop(
			listener.NewPgSession(conn.Conn()),
			&listener.Config{
				Channels: []string{cfg.Listener.Channel},
				Tables:   cfg.Listener.Tables,
			},
			forwarder,
			logging.Component("listener"),
		)

		if cfg.Journal.Enabled {
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return withCode(exitConfig, err)
			}
			loop.SetFailureRecorder(j)
			log.Info().Str("path", cfg.Journal.Path).Msg("recording failed deliveries")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := loop.Run(gctx); err != nil {
				return withCode(exitSubscription, err)
			}
			return nil
		})
		if cfg.Metrics.Enabled {
			router := telemetry.NewRouter(func() (bool, string) {
				state := loop.State()
				return state.Healthy(), state.String()
			})
			g.Go(func() error {
				return telemetry.Serve(gctx, cfg.Metrics.Addr, router)
			})
		}

		log.Info().Str("webhook", cfg.Webhook.URL).Msg("pghook is running, press Ctrl+C to stop")

		err = g.Wait()
		if err != nil && ctx.Err() == nil {
			alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if aerr := alerts.SendSystemAlert(alertCtx, "Listener stopped", err.Error(), alert.SeverityDanger); aerr != nil {
				log.Warn().Err(aerr).Msg("failed to send alert")
			}
			return err
		}

		log.Info().Msg("pghook stopped")
		return err
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Install the notify function and triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return withCode(exitSubscription, err)
		}
		defer pool.Close()

		report := trigger.NewProvisioner(pool, triggerConfig(cfg), logging.Component("trigger")).Create(cmd.Context())
		printReport(report)
		return withCode(exitProvisioning, report.Err())
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Remove the triggers and the notify function",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return withCode(exitSubscription, err)
		}
		defer pool.Close()

		report := trigger.NewProvisioner(pool, triggerConfig(cfg), logging.Component("trigger")).Drop(cmd.Context())
		printReport(report)
		return withCode(exitProvisioning, report.Err())
	},
}

func printReport(report *trigger.Report) {
	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Printf("  %-8s %s: %v\n", res.Outcome, res.Object, res.Err)
		} else {
			fmt.Printf("  %-8s %s\n", res.Outcome, res.Object)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the notify function and triggers are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return withCode(exitSubscription, err)
		}
		defer pool.Close()

		tc := triggerConfig(cfg)
		status, err := trigger.NewProvisioner(pool, tc, logging.Component("trigger")).Inspect(cmd.Context(), pool)
		if err != nil {
			return err
		}

		fmt.Printf("Channel: %s\n", cfg.Listener.Channel)
		fmt.Printf("Function %s: %s\n", cfg.Listener.Function, installed(status.Function))
		fmt.Printf("\nWatched Tables:\n")
		for _, table := range cfg.Listener.Tables {
			fmt.Printf("  - %s (trigger %s): %s\n", table, tc.TriggerName(table), installed(status.Triggers[table]))
		}

		if !status.Complete() {
			return withCode(exitProvisioning, errors.New("installation incomplete, run pghook create"))
		}
		return nil
	},
}

func installed(ok bool) string {
	if ok {
		return "installed"
	}
	return "MISSING"
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List webhook deliveries that failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if purge {
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			n, err := j.Purge()
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d failures\n", n)
			return nil
		}

		// Read-only, so this works while start is recording.
		j, err := journal.OpenReadOnly(cfg.Journal.Path)
		if err != nil {
			return err
		}

		count, err := j.Count()
		if err != nil {
			return err
		}
		fmt.Printf("Recorded failures: %d\n", count)
		if count == 0 {
			return nil
		}

		entries, err := j.ListFailures(failureLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("#%d %s %s %s status=%d attempts=%d: %s\n",
				e.Seq, e.Timestamp.Format(time.RFC3339), e.Table, e.Action, e.StatusCode, e.Attempts, e.Error)
			fmt.Printf("    %s\n", e.Payload)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
