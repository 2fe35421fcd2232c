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

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/auth"
	"github.com/MarcoPoloResearchLab/teamshare/internal/config"
	"github.com/MarcoPoloResearchLab/teamshare/internal/database"
	"github.com/MarcoPoloResearchLab/teamshare/internal/locks"
	"github.com/MarcoPoloResearchLab/teamshare/internal/logging"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"github.com/MarcoPoloResearchLab/teamshare/internal/server"
	"github.com/MarcoPoloResearchLab/teamshare/internal/sharing"
	"github.com/MarcoPoloResearchLab/teamshare/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "teamshare-api"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Teamshare workspace and shared context service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins (empty allows any)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Duration("prune-interval", defaults.GetDuration("sharing.prune_interval"), "Interval between expired share sweeps (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sharing.prune_interval", "prune-interval")
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

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.Principal{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id the token is minted for")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claims")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
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

	lockManager, err := locks.NewManager(locks.DefaultOrder...)
	if err != nil {
		return err
	}
	archiver, err := audit.NewGormArchiver(db, func() int64 { return time.Now().UnixMilli() })
	if err != nil {
		return err
	}
	idProvider := sharing.NewUUIDProvider()
	auditLog, err := audit.NewLog(audit.Config{
		Locker:     lockManager.MustDomain(locks.DomainAudit),
		MaxEntries: appConfig.MaxAuditLogSize,
		Archiver:   archiver,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	events := notify.NewDispatcher(appConfig.NotificationBufferSize)
	sharingService, err := sharing.NewService(sharing.ServiceConfig{
		Locks:      lockManager,
		AuditLog:   auditLog,
		Notifier:   events,
		Timer:      logging.NewOperationTimer(logger, time.Now),
		Fuser:      sharing.JSONFuser{},
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
		Limits: sharing.Limits{
			MaxWorkspaces:     appConfig.MaxWorkspaces,
			MaxMembers:        appConfig.MaxMembers,
			DefaultExpiration: appConfig.DefaultExpiration,
			ExpireByDefault:   appConfig.ExpireByDefault,
		},
	})
	if err != nil {
		return err
	}
	defer sharingService.Close(context.Background()) //nolint:errcheck

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SharingService:   sharingService,
		SessionValidator: sessionValidator,
		UserResolver:     userService,
		Events:           events,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if appConfig.PruneInterval > 0 {
		group.Go(func() error {
			logger.Info("share pruning enabled", zap.Duration("interval", appConfig.PruneInterval))
			return sharingService.RunPruner(groupCtx, appConfig.PruneInterval)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
