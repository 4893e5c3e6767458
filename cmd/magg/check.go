package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitbon/magg-go/pkg/magg"
)

var (
	flagCheckAction  string
	flagCheckTimeout float64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe configured servers",
	Long: `Check mounts every enabled server, pings each one, and reports the
result. With --action disable or --action unmount, unresponsive servers
are remediated before exiting. Exits nonzero when any server fails.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&flagCheckAction, "action", "report", "What to do with unresponsive servers: report, disable, or unmount")
	checkCmd.Flags().Float64Var(&flagCheckTimeout, "timeout", 0, "Per-server probe timeout in seconds (default 5)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := loadSettings()
	logger := newLogger(settings)

	a, err := magg.New(&magg.Options{
		Settings:            &settings,
		DisableConfigReload: true,
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
		_ = a.Close(closeCtx)
	}()

	res := a.Check(ctx, magg.CheckArgs{Action: flagCheckAction, Timeout: flagCheckTimeout}, nil)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !res.Success {
		return fmt.Errorf("check failed: %s", res.Message)
	}
	if unhealthy, ok := res.Output["unhealthy"].([]string); ok && len(unhealthy) > 0 {
		return fmt.Errorf("%d of %v servers unresponsive", len(unhealthy), res.Output["checked"])
	}
	return nil
}
