package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stridecards/rewards/internal/events"
	"github.com/stridecards/rewards/internal/httpapi"
	"github.com/stridecards/rewards/internal/observability"
	"github.com/stridecards/rewards/internal/store/gormstore"
	"github.com/stridecards/rewards/internal/strava"
	"github.com/stridecards/rewards/pkg/rewards"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	configKeyDatabaseURL  = "database_url"
	configKeyListenAddr   = "listen_addr"
	configKeySigningKey   = "session_signing_key"
	configKeyIssuer       = "session_issuer"
	configKeyOrigins      = "allowed_origins"
	configKeyStravaID     = "strava_client_id"
	configKeyStravaSecret = "strava_client_secret"
	configKeyKafkaBrokers = "kafka_brokers"
	configKeyMapsAPIKey   = "maps_api_key"
	defaultDatabaseURL    = "sqlite:///tmp/rewards.db"
	defaultHTTPListenAddr = ":8080"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	SessionSigningKey  string
	SessionIssuer      string
	AllowedOrigins     []string
	StravaClientID     string
	StravaClientSecret string
	KafkaBrokers       []string
	MapsAPIKey         string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rewardd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "rewardd",
		Short:         "Reward economy HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyListenAddr:   "LISTEN_ADDR",
		configKeySigningKey:   "SESSION_SIGNING_KEY",
		configKeyIssuer:       "SESSION_ISSUER",
		configKeyOrigins:      "ALLOWED_ORIGINS",
		configKeyStravaID:     "STRAVA_CLIENT_ID",
		configKeyStravaSecret: "STRAVA_CLIENT_SECRET",
		configKeyKafkaBrokers: "KAFKA_BROKERS",
		configKeyMapsAPIKey:   "MAPS_API_KEY",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.SessionSigningKey = viper.GetString(configKeySigningKey)
	cfg.SessionIssuer = viper.GetString(configKeyIssuer)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyOrigins))
	cfg.StravaClientID = viper.GetString(configKeyStravaID)
	cfg.StravaClientSecret = viper.GetString(configKeyStravaSecret)
	cfg.KafkaBrokers = splitCSV(viper.GetString(configKeyKafkaBrokers))
	cfg.MapsAPIKey = viper.GetString(configKeyMapsAPIKey)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.StravaClientID == "" || cfg.StravaClientSecret == "" {
		return fmt.Errorf("strava client credentials are required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)

	stravaClient, err := strava.NewClient(strava.Config{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
	})
	if err != nil {
		return fmt.Errorf("strava client init: %w", err)
	}

	clock := func() time.Time { return time.Now().UTC() }
	coordinator, err := rewards.NewCredentialCoordinator(store, stravaClient, clock)
	if err != nil {
		return fmt.Errorf("credential coordinator init: %w", err)
	}
	drawEngine, err := rewards.NewDrawEngine(rewards.NewRandomSource())
	if err != nil {
		return fmt.Errorf("draw engine init: %w", err)
	}

	sinks := []rewards.EventSink{observability.NewMetricsSink()}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, logger)
		defer func() { _ = publisher.Close() }()
		sinks = append(sinks, publisher)
	}

	service, err := rewards.NewService(store, stravaClient, coordinator, drawEngine, clock,
		rewards.WithOperationLogger(httpapi.NewZapOperationLogger(logger)),
		rewards.WithEventSink(fanoutSink(sinks)),
	)
	if err != nil {
		return fmt.Errorf("rewards service init: %w", err)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		MapsAPIKey:        cfg.MapsAPIKey,
	}, service, logger)
}

// fanoutSink delivers each event to every configured sink in order.
type fanoutSink []rewards.EventSink

func (sinks fanoutSink) ActivitiesSynced(ctx context.Context, userID rewards.UserID, result rewards.SyncResult) {
	for _, sink := range sinks {
		sink.ActivitiesSynced(ctx, userID, result)
	}
}

func (sinks fanoutSink) PackOpened(ctx context.Context, userID rewards.UserID, result rewards.OpenResult) {
	for _, sink := range sinks {
		sink.PackOpened(ctx, userID, result)
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "rewards.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
