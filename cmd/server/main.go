package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/relaychat/internal/auth"
	"github.com/omochice/relaychat/internal/config"
	"github.com/omochice/relaychat/internal/server"
	"github.com/omochice/relaychat/internal/storage"
	"github.com/omochice/relaychat/pkg/logger"
)

func newServerCommand() *cobra.Command {
	var (
		addr        string
		uploadDir   string
		historyFile string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "relaychat-server",
		Short: "Chat server for raw TCP and WebSocket clients on one port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("upload-dir") {
				cfg.UploadDir = uploadDir
			}
			if flags.Changed("history-file") {
				cfg.HistoryFile = historyFile
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			return run(cfg.Sanitize())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on for both TCP and WebSocket")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "uploads", "Directory for completed file transfers")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "Message log file (in-memory history when empty)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func run(cfg config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
			return err
		}
		defer logger.DisableFileLogging()
	}

	users := auth.NewDirectory()
	for _, acc := range cfg.Accounts() {
		if _, err := users.Register(acc.Username, acc.Email, acc.Password); err != nil {
			logger.WarnCF("main", "Skipping seed account", map[string]any{
				"username": acc.Username,
				"error":    err.Error(),
			})
		}
	}

	files, err := storage.NewDiskFiles(cfg.UploadDir)
	if err != nil {
		return err
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.HistoryFile != "" {
		logStore, err := storage.OpenLogStore(cfg.HistoryFile)
		if err != nil {
			return err
		}
		store = logStore
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, users, store, files)
	logger.InfoCF("main", "Starting server", map[string]any{
		"addr":       cfg.Addr,
		"ws_path":    cfg.WSPath,
		"upload_dir": files.Root(),
		"users":      users.Len(),
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func main() {
	if err := newServerCommand().Execute(); err != nil {
		logger.FatalCF("main", "Server exited", map[string]any{
			"error": err.Error(),
		})
	}
}
