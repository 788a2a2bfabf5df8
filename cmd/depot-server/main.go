// Command depot-server hosts the central DepotVente sync server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/truar/DepotVente-sub001/internal/auth"
	"github.com/truar/DepotVente-sub001/internal/config"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/server"
	"github.com/truar/DepotVente-sub001/internal/sync/conflict"
)

// Version is set at build time
var Version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "depot-server",
	Short:         "Central sync server for DepotVente terminals",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync API",
	Long: `serve opens the server database, migrates it and serves:

  POST /push                      apply one terminal operation (idempotent)
  GET  /api/sync/initial          full snapshot
  GET  /api/sync/delta?since=ms   rows changed since ms (inclusive)
  GET  /api/sync/ping             reachability probe
  GET  /api/admin/stats[/stream]  dashboard statistics, once or as SSE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.HTTPAddr = addr
		}
		defer logging.Get().Sync()

		if strings.EqualFold(cfg.App.Env, "dev") {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}

		db, err := server.OpenDB(cfg.Server.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		srv := server.New(server.Options{
			DB:       db,
			JWT:      auth.NewJWT(cfg.Server.JWTSecret, cfg.Server.TokenTTL),
			Strategy: conflict.ParseStrategy(cfg.Server.ConflictStrategy),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx, cfg.Server.HTTPAddr)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a terminal or a dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		workstation, _ := cmd.Flags().GetInt("workstation")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Server.TokenTTL
		}
		if role != auth.RoleTerminal && role != auth.RoleAdmin {
			return fmt.Errorf("role must be %q or %q", auth.RoleTerminal, auth.RoleAdmin)
		}

		token, expiresAt, err := auth.NewJWT(cfg.Server.JWTSecret, ttl).Sign(auth.Claims{
			WorkstationID: workstation,
			Role:          role,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("DEPOT_CONFIG"), "config file (YAML)")

	serveCmd.Flags().String("addr", "", "listen address (overrides server.http_addr)")

	tokenCmd.Flags().IntP("workstation", "w", 1, "workstation number")
	tokenCmd.Flags().String("role", auth.RoleTerminal, "token role: terminal or admin")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to server.token_ttl)")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ValidateServer(); err != nil {
		return cfg, err
	}
	if err := logging.Init(cfg.Log); err != nil {
		return cfg, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
