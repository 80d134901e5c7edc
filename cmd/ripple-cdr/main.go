package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/api"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/database"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/logging"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "ripple-cdr",
		Short:        "Clinical data repository gateway over openEHR and SQL hosts",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(syncCmd(&configPath))
	rootCmd.AddCommand(revertCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(*configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.IsDev())
	ctx := context.Background()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(app.Handler(), api.RouterConfig{
		Server: cfg.Server,
		Auth:   cfg.Auth,
		Ready:  app.ReadyChecks(),
		Logger: logging.Component(logger, "http"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info().Msg("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		if err := app.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("host sessions not all stopped")
		}
		close(done)
	}()

	logger.Info().
		Int("port", cfg.Server.Port).
		Str("env", cfg.Server.Env).
		Strs("hosts", app.Hosts.IDs()).
		Str("storage", cfg.Storage.Driver).
		Bool("discovery", cfg.Discovery.Enabled).
		Bool("journal", cfg.KurrentDB.Enabled).
		Msg("ripple-cdr listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level, cfg.IsDev())

			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := database.Migrate(ctx, db.Pool, logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
}

func syncCmd(configPath *string) *cobra.Command {
	var (
		session  string
		token    string
		headings []string
	)

	cmd := &cobra.Command{
		Use:   "sync <patientId>",
		Short: "Merge a patient's discovery records into the local record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Discovery.Enabled {
				return errors.New("discovery is disabled in the configuration")
			}

			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, logging.New(cfg.Log.Level, cfg.IsDev()))
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			list := app.Headings
			if len(headings) > 0 {
				list = nil
				for _, s := range headings {
					h, err := heading.Parse(s)
					if err != nil {
						return err
					}
					list = append(list, h)
				}
			}

			report := app.Dispatcher.SyncAllHeadings(ctx, session, args[0], list, token)
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "User session the pass runs in")
	cmd.Flags().StringVar(&token, "token", os.Getenv("RIPPLE_DISCOVERY_TOKEN"), "Bearer token for the discovery service")
	cmd.Flags().StringSliceVar(&headings, "headings", nil, "Headings to synchronize (default from config)")
	return cmd
}

func revertCmd(configPath *string) *cobra.Command {
	var (
		session string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "revert [discoverySourceId]",
		Short: "Delete merged discovery records and forget their mappings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a discoverySourceId or --all")
			}
			cfg, err := load(*configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, logging.New(cfg.Log.Level, cfg.IsDev()))
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if all {
				n, err := app.Engine.RevertAll(ctx, session)
				fmt.Fprintf(cmd.OutOrStdout(), "Reverted %d mapping(s).\n", n)
				return err
			}
			if err := app.Engine.RevertOne(ctx, session, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reverted %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "User session the revert runs in")
	cmd.Flags().BoolVar(&all, "all", false, "Revert every mapping")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
