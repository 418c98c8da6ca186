package main

import (
	"github.com/ageniuscoder/gymchat/internal/server"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server (REST + socket)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Addr = addr
			}
			s, err := server.Open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(a.cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return err
			}
			a.logger.Info("migration completed", "dialect", store.Dialect)
			return nil
		},
	}
}
