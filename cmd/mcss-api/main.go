package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AniOM76/om76-mcss/internal/auth"
	"github.com/AniOM76/om76-mcss/internal/calendar"
	"github.com/AniOM76/om76-mcss/internal/config"
	"github.com/AniOM76/om76-mcss/internal/database"
	"github.com/AniOM76/om76-mcss/internal/logging"
	"github.com/AniOM76/om76-mcss/internal/queue"
	"github.com/AniOM76/om76-mcss/internal/server"
	"github.com/AniOM76/om76-mcss/internal/sync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcss-api",
		Short: "Multi-calendar sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Seed the default calendar configurations",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd.Context())
		},
	}
	rootCmd.AddCommand(setupCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("queue-workers", defaults.GetInt("queue.workers"), "Sync worker pool size")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-client-secret", "", "Google OAuth client secret (overrides env)")
	cmd.PersistentFlags().String("webhook-base-url", defaults.GetString("webhook.base_url"), "Public base URL for webhook callbacks")
	cmd.PersistentFlags().String("admin-api-key", "", "Admin API key (overrides env)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "queue.workers", "queue-workers")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.client_secret", "google-client-secret")
	bindFlag(cmd, "webhook.base_url", "webhook-base-url")
	bindFlag(cmd, "admin.api_key", "admin-api-key")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := sync.NewStore(sync.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	provider := calendar.NewGoogleClient(calendar.GoogleClientOptions{
		ClientID:     appConfig.GoogleClientID,
		ClientSecret: appConfig.GoogleClientSecret,
		APIBaseURL:   appConfig.GoogleAPIBaseURL,
		TokenURL:     appConfig.GoogleTokenURL,
		HTTPClient:   &http.Client{Timeout: appConfig.ProviderTimeout},
		Logger:       logger,
	})

	engine, err := sync.NewEngine(sync.EngineConfig{
		Store:       store,
		Provider:    provider,
		Logger:      logger,
		CallTimeout: appConfig.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	jobQueue, err := queue.New(queue.Config{
		Database:    db,
		Handler:     engine.HandleJob,
		Logger:      logger,
		Concurrency: appConfig.WorkerCount,
		MaxAttempts: appConfig.JobMaxAttempts,
	})
	if err != nil {
		return err
	}

	detector, err := sync.NewDetector(sync.DetectorConfig{
		Store:     store,
		Provider:  provider,
		Queue:     jobQueue,
		Logger:    logger,
		Lookback:  appConfig.LookbackWindow,
		Lookahead: appConfig.LookaheadWindow,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		APIKey:        appConfig.AdminAPIKey,
		TokenTTL:      appConfig.AdminTokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:    store,
		Detector: detector,
		Queue:    jobQueue,
		Tokens:   tokenIssuer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queueCtx, cancelQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		jobQueue.Run(queueCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("workers", appConfig.WorkerCount))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		cancelQueue()
		select {
		case <-queueDone:
		case <-shutdownCtx.Done():
		}
		return shutdownErr
	case err := <-errCh:
		cancelQueue()
		<-queueDone
		return err
	}
}

func runSetup(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := sync.NewStore(sync.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	if err := store.SeedConfigs(ctx, defaultCalendarConfigs()); err != nil {
		return err
	}
	logger.Info("calendar configurations seeded")
	return nil
}

func defaultCalendarConfigs() []sync.CalendarConfig {
	names := []string{"Primary Calendar", "Secondary Calendar", "Third Calendar", "Fourth Calendar", "Fifth Calendar"}
	configs := make([]sync.CalendarConfig, 0, len(names))
	for index, name := range names {
		key := fmt.Sprintf("calendars.%02d.id", index+1)
		calendarID := viper.GetString(key)
		if calendarID == "" {
			calendarID = fmt.Sprintf("calendar%d@example.com", index+1)
		}
		configs = append(configs, sync.CalendarConfig{
			CalendarID:    calendarID,
			CalendarName:  name,
			CalendarAlias: fmt.Sprintf("Calendar %02d", index+1),
			IsActive:      true,
		})
	}
	return configs
}
