package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-api",
		Short: "Tandem realtime collaboration backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("cors-origins", defaults.GetString("http.cors_origins"), "Comma separated allowed origins")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("activity-postgres-dsn", "", "Store the activity log in Postgres instead of SQLite")
	flags.String("redis-url", "", "Relay room broadcasts across nodes through Redis")
	flags.String("node-id", "", "Relay node identifier (random when empty)")
	flags.Int("max-room-size", defaults.GetInt("gateway.max_room_size"), "Maximum connections per project room (0 = unlimited)")
	flags.Int("max-connections-per-user", defaults.GetInt("gateway.max_connections_per_user"), "Maximum concurrent connections per user (0 = unlimited)")
	flags.Bool("sender-echo", defaults.GetBool("gateway.sender_echo"), "Deliver broadcasts back to the originating connection")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.cors_origins", "cors-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "activity.postgres_dsn", "activity-postgres-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "gateway.max_room_size", "max-room-size")
	bindFlag(cmd, "gateway.max_connections_per_user", "max-connections-per-user")
	bindFlag(cmd, "gateway.sender_echo", "sender-echo")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	accounts, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	projectService, err := projects.NewService(projects.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	gate, err := access.NewGate(projectService)
	if err != nil {
		return err
	}

	store, closeStore, err := openActivityStore(signalCtx, appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	activityLog, err := activity.NewLog(activity.LogConfig{
		Store:      store,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	relay, closeRelay, err := openRelay(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	gatewayConfig := realtime.GatewayConfig{
		Registry: realtime.NewRegistry(realtime.RegistryConfig{
			MaxRoomSize:           appConfig.Gateway.MaxRoomSize,
			MaxConnectionsPerUser: appConfig.Gateway.MaxConnectionsPerUser,
		}),
		Verifier:               tokenManager,
		Authorizer:             gate,
		Activity:               activityLog,
		Logger:                 logger,
		Clock:                  time.Now,
		SuppressSenderEcho:     !appConfig.Gateway.SenderEcho,
		SuppressOnStorageError: appConfig.Gateway.SuppressOnStorageError,
	}
	if relay != nil {
		gatewayConfig.Relay = relay
	}
	gateway, err := realtime.NewGateway(gatewayConfig)
	if err != nil {
		return err
	}

	if relay != nil {
		subscription, err := relay.Subscribe(signalCtx)
		if err != nil {
			return err
		}
		defer subscription.Close() //nolint:errcheck
		go func() {
			if err := subscription.Run(signalCtx, gateway.DeliverLocal); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay subscription stopped", zap.Error(err))
			}
		}()
	}

	transport, err := realtime.NewTransport(realtime.TransportConfig{
		Gateway:         gateway,
		Logger:          logger,
		OutboundBuffer:  appConfig.Gateway.OutboundBuffer,
		PingInterval:    appConfig.Gateway.PingInterval,
		MaxMessageBytes: appConfig.Gateway.MaxMessageBytes,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Accounts:     accounts,
		Projects:     projectService,
		Gate:         gate,
		Gateway:      gateway,
		Transport:    transport,
		CORSOrigins:  appConfig.CORSOrigins,
		Logger:       logger,
		Clock:        time.Now,
	})
	if err != nil {
		return err
	}

	// Hijacked websocket connections are not tracked by Shutdown; they end with signalCtx.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

func openActivityStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (activity.Store, func(), error) {
	if appConfig.ActivityPostgresDSN == "" {
		store, err := activity.NewGormStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := activity.OpenPostgresStore(connectCtx, appConfig.ActivityPostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("activity log stored in postgres")
	return store, store.Close, nil
}

func openRelay(appConfig config.AppConfig, logger *zap.Logger) (*realtime.RedisRelay, func(), error) {
	if appConfig.RedisURL == "" {
		return nil, func() {}, nil
	}
	options, err := redis.ParseURL(appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(options)
	nodeID := appConfig.NodeID
	if nodeID == "" {
		nodeID, err = ids.NewUUIDProvider().NewID()
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}
	relay, err := realtime.NewRedisRelay(realtime.RedisRelayConfig{
		Client: client,
		NodeID: nodeID,
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("redis relay enabled", zap.String("node_id", nodeID))
	return relay, func() { _ = client.Close() }, nil
}
