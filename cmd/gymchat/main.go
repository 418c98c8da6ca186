package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ageniuscoder/gymchat/internal/chatclient"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/ageniuscoder/gymchat/internal/logging"
	"github.com/spf13/cobra"
)

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	clientOpts []chatclient.Option
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "gymchat",
		Short:         "Member and trainer chat for the gym marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.MustLoad()
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				a.cfg.LogLevel = lvl
			}
			a.logger = logging.Setup(a.cfg.LogLevel)
		},
	}
	root.PersistentFlags().String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.chatCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
