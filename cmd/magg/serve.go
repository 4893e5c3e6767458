package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitbon/magg-go/pkg/magg"
)

var (
	flagServeHTTP  bool
	flagServeStdio bool
	flagServeAddr  string
	flagServePath  string
	flagNoReload   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregator",
	Long: `Serve mounts every enabled configured server and runs the frontend.
The default transport is stdio, for use as a child process of an MCP
client; --http serves Streamable HTTP instead.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagServeHTTP, "http", false, "Serve Streamable HTTP")
	serveCmd.Flags().BoolVar(&flagServeStdio, "stdio", false, "Serve over stdio (default)")
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "HTTP listen address (default :8000)")
	serveCmd.Flags().StringVar(&flagServePath, "path", "", "HTTP path for the MCP endpoint (default /mcp)")
	serveCmd.Flags().BoolVar(&flagNoReload, "no-reload", false, "Disable config file watching")
	serveCmd.MarkFlagsMutuallyExclusive("http", "stdio")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := loadSettings()
	logger := newLogger(settings)

	a, err := magg.New(&magg.Options{
		Settings:            &settings,
		Addr:                flagServeAddr,
		Path:                flagServePath,
		DisableConfigReload: flagNoReload,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if flagServeHTTP {
		opts := a.Options()
		logger.Info("serving MCP over HTTP", "addr", opts.Addr, "path", opts.Path, "config", a.ConfigPath())
		err = a.ListenAndServe(ctx)
	} else {
		logger.Info("serving MCP on stdio", "config", a.ConfigPath())
		err = a.ServeStdio(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
