package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/collab"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/config"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/database"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/logging"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/server"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	envFiles []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitecraft-api",
		Short: "Sitecraft real-time collaboration service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newRegisterProjectCommand(), newExportHistoryCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before reading configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database data source name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Lifetime of tokens minted by issue-token")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

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

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	directory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	members, err := membership.NewService(membership.ServiceConfig{
		Database:     db,
		Directory:    directory,
		IDProvider:   ids.NewUUIDProvider(),
		Logger:       logger,
		RoleCacheTTL: appConfig.RoleCacheTTL,
	})
	if err != nil {
		return err
	}
	logService, err := eventlog.NewService(eventlog.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	store, err := sessions.NewGormStore(db)
	if err != nil {
		return err
	}
	registry, err := sessions.NewRegistry(sessions.RegistryConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	recovered, err := registry.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("closed sessions left open by a previous run", zap.Int64("sessions", recovered))
	}

	engine, err := collab.NewEngine(collab.Config{
		Registry:       registry,
		Broadcaster:    room.NewBroadcaster(logger),
		Membership:     members,
		Log:            logService,
		Policy:         appConfig.Presence,
		SnapshotChat:   appConfig.SnapshotChat,
		OutboxCapacity: appConfig.OutboxCapacity,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	gate, err := auth.NewGate(auth.GateConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  gate,
		Directory:      directory,
		Engine:         engine,
		AllowedOrigins: appConfig.AllowedOrigins,
		WebSocket: server.WebSocketConfig{
			OriginPatterns:     appConfig.OriginPatterns,
			InsecureSkipVerify: appConfig.InsecureSkipVerify,
			KeepAliveInterval:  appConfig.KeepAliveInterval,
			WriteTimeout:       appConfig.WriteTimeout,
			ReadLimit:          appConfig.ReadLimitBytes,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := presence.NewSweeper(presence.SweeperConfig{
		Interval: appConfig.Presence.SweepInterval,
		Clock:    time.Now,
		Sweep:    engine.Sweep,
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

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		sweeper.Run(signalCtx)
	}()

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = httpServer.Shutdown(shutdownCtx)
		if closeErr := handler.Close(shutdownCtx); closeErr != nil {
			logger.Warn("websocket connections did not drain", zap.Error(closeErr))
		}
		stop()
		background.Wait()
		if flushErr := registry.FlushActivity(shutdownCtx); flushErr != nil {
			logger.Warn("final activity flush failed", zap.Error(flushErr))
		}
		return err
	case err := <-errCh:
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = handler.Close(closeCtx)
		stop()
		background.Wait()
		return err
	}
}

func newIssueTokenCommand() *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl := viper.GetDuration("auth.token_ttl")
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				Audience:      viper.GetString("auth.audience"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "Subject of the token")
	cmd.Flags().StringVar(&identity.Username, "username", "", "Display name carried in the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email carried in the token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newRegisterProjectCommand() *cobra.Command {
	var (
		projectID string
		ownerID   string
		name      string
	)
	cmd := &cobra.Command{
		Use:   "register-project",
		Short: "Register a project and its owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(db *gorm.DB, logger *zap.Logger) error {
				directory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				members, err := membership.NewService(membership.ServiceConfig{
					Database:   db,
					Directory:  directory,
					IDProvider: ids.NewUUIDProvider(),
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				project, err := members.RegisterProject(cmd.Context(), projectID, ownerID, name)
				if err != nil {
					return err
				}
				logger.Info("project registered", zap.String("project_id", project.ID), zap.String("owner_id", project.OwnerID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project identifier assigned by the product")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "User id of the project owner")
	cmd.Flags().StringVar(&name, "name", "", "Project display name")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("owner-id")
	return cmd
}

func newExportHistoryCommand() *cobra.Command {
	var (
		projectID string
		format    string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "export-history",
		Short: "Write a project's collaboration log to stdout or a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := eventlog.ParseFormat(format)
			if err != nil {
				return err
			}
			return withStorage(func(db *gorm.DB, logger *zap.Logger) error {
				logService, err := eventlog.NewService(eventlog.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Logger: logger})
				if err != nil {
					return err
				}
				var writer io.Writer = cmd.OutOrStdout()
				if output != "" {
					file, err := os.Create(output)
					if err != nil {
						return err
					}
					defer file.Close()
					writer = file
				}
				return logService.Export(cmd.Context(), projectID, parsed, writer)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project whose history is exported")
	cmd.Flags().StringVar(&format, "format", string(eventlog.FormatYAML), "Export format (yaml, json)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (defaults to stdout)")
	_ = cmd.MarkFlagRequired("project-id")
	return cmd
}

// withStorage opens the configured database for a one-shot command.
func withStorage(run func(db *gorm.DB, logger *zap.Logger) error) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return run(db, logger)
}
