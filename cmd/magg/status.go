package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sitbon/magg-go/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Long:  "Status reads the config file and summarizes servers and loaded kits without starting anything.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings := loadSettings()
	mgr := config.NewManager(settings.ResolveConfigPath(), newLogger(settings))
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	enabled := 0
	for _, entry := range cfg.Servers {
		if entry.Enabled {
			enabled++
		}
	}
	kits := make([]string, 0, len(cfg.Kits))
	for name := range cfg.Kits {
		kits = append(kits, name)
	}
	sort.Strings(kits)

	fmt.Printf("config:  %s\n", mgr.Path())
	fmt.Printf("servers: %d configured, %d enabled\n", len(cfg.Servers), enabled)
	if len(kits) > 0 {
		fmt.Printf("kits:    %s\n", strings.Join(kits, ", "))
	} else {
		fmt.Printf("kits:    none\n")
	}
	return nil
}
