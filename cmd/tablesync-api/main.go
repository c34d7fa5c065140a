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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tablesync/internal/blocks"
	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
	"github.com/MarcoPoloResearchLab/tablesync/internal/config"
	"github.com/MarcoPoloResearchLab/tablesync/internal/database"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/logging"
	"github.com/MarcoPoloResearchLab/tablesync/internal/server"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/users"
	"github.com/MarcoPoloResearchLab/tablesync/internal/views"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tablesync-api",
		Short: "Collaborative table sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Session token issuer")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("realtime-buffer-size", defaults.GetInt("realtime.buffer_size"), "Per-subscriber realtime buffer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "realtime.buffer_size", "realtime-buffer-size")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints a session token for a user, for operators and local
// clients.
func newTokenCommand() *cobra.Command {
	var displayName, workspaceID string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(args[0], displayName, workspaceID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace id claim")
	return cmd
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

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	viewService, err := views.NewService(views.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: table.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher(appConfig.RealtimeBufferSize)
	hub, err := collab.NewHub(collab.HubConfig{
		Store:     documentService,
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	members, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          validator,
		Tables:            hub,
		UpdateLog:         documentService,
		Views:             viewService,
		Blocks:            blocks.NewCache(),
		Realtime:          dispatcher,
		Members:           members,
		Logger:            logger,
		HeartbeatInterval: appConfig.HeartbeatInterval,
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
