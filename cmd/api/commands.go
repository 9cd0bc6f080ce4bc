package main

import (
	"fmt"

	"backend-routetrack/internal/auth"
	"backend-routetrack/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd(cfg config.Config, log *zap.Logger, deps mainDeps) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking HTTP service.",
		RunE: func(*cobra.Command, []string) error {
			return serve(cfg, log, deps)
		},
	}

	rootCmd := &cobra.Command{
		Use:           "routetrack",
		Short:         "Route tracking service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	rootCmd.AddCommand(serveCmd, newMigrateCmd(cfg, log, deps), newTokenCmd(cfg))
	return rootCmd
}

func newMigrateCmd(cfg config.Config, log *zap.Logger, deps mainDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			down, _ := cmd.Flags().GetBool("down")
			apply := deps.migrateUp
			if down {
				apply = deps.migrateDown
			}
			if err := apply(cfg.PostgresURL, log); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info("migrations applied", zap.Bool("down", down))
			return nil
		},
	}
	cmd.Flags().Bool("down", false, "Roll back every migration instead of applying them")
	return cmd
}

func newTokenCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a tracking device.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, _ := cmd.Flags().GetString("device")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := auth.SignToken(cfg.JWTSecret, device, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("device", "", "Device id put in the token")
	cmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
