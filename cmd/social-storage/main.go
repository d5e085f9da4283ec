package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/socialstore/internal/auth"
	"github.com/MarcoPoloResearchLab/socialstore/internal/config"
	"github.com/MarcoPoloResearchLab/socialstore/internal/database"
	"github.com/MarcoPoloResearchLab/socialstore/internal/logging"
	"github.com/MarcoPoloResearchLab/socialstore/internal/metrics"
	"github.com/MarcoPoloResearchLab/socialstore/internal/server"
	"github.com/MarcoPoloResearchLab/socialstore/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "social-storage",
		Short:        "Social auth storage maintenance and admin API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the admin HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the storage tables",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate()
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete stale nonces, expired associations, old codes and abandoned partials",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPrune(cmd.Context())
			},
		},
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	cmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator recorded as the token subject")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("nonce-max-age", defaults.GetDuration("prune.nonce_max_age"), "Age after which nonces are pruned")
	cmd.PersistentFlags().Duration("code-max-age", defaults.GetDuration("prune.code_max_age"), "Age after which verification codes are pruned")
	cmd.PersistentFlags().Duration("partial-max-age", defaults.GetDuration("prune.partial_max_age"), "Age after which partial pipelines are pruned")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
	bindFlag(cmd, "prune.nonce_max_age", "nonce-max-age")
	bindFlag(cmd, "prune.code_max_age", "code-max-age")
	bindFlag(cmd, "prune.partial_max_age", "partial-max-age")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type environment struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openEnvironment() (*environment, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	if err := database.Migrate(db, logger); err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}

	return &environment{config: appConfig, logger: logger, db: db}, nil
}

func (e *environment) close() {
	if err := database.Close(e.db); err != nil {
		e.logger.Warn("database close failed", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func (e *environment) newStore(observer storage.Observer) (*storage.Storage, error) {
	return storage.New(storage.Config{
		Database:          e.db,
		Logger:            e.logger.Named("storage"),
		Observer:          observer,
		NonceCacheSize:    e.config.NonceCacheSize,
		UsernameMaxLength: e.config.UsernameMaxLength,
	})
}

func (e *environment) pruneConfig() storage.PruneConfig {
	return storage.PruneConfig{
		NonceMaxAge:   e.config.NonceMaxAge,
		CodeMaxAge:    e.config.CodeMaxAge,
		PartialMaxAge: e.config.PartialMaxAge,
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireAdminKey(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningKey),
		Issuer:        appConfig.AdminIssuer,
		Audience:      appConfig.AdminAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
}

func runMigrate() error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()
	env.logger.Info("storage schema up to date", zap.String("driver", env.config.DatabaseDriver))
	return nil
}

func runPrune(ctx context.Context) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	store, err := env.newStore(nil)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.Prune(ctx, env.pruneConfig())
	return err
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.IssueAdminToken(cmd.Context(), tokenSubject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func runServer(ctx context.Context) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()
	logger := env.logger

	tokenManager, err := newTokenIssuer(env.config)
	if err != nil {
		return err
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return err
	}
	store, err := env.newStore(collector)
	if err != nil {
		return err
	}
	defer store.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          store,
		TokenManager:   tokenManager,
		PruneConfig:    env.pruneConfig(),
		PruneRecorder:  collector,
		Metrics:        collector.Handler(),
		Events:         server.NewEventDispatcher(),
		AllowedOrigins: env.config.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event streams end with the signal context so Shutdown does not wait on them.
	httpServer := &http.Server{
		Addr:              env.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", env.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
