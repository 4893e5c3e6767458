package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sitbon/magg-go/pkg/config"
)

var kitCmd = &cobra.Command{
	Use:   "kit",
	Short: "Inspect kit definitions",
}

var kitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available kits",
	Args:  cobra.NoArgs,
	RunE:  runKitList,
}

var kitInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show one kit's definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runKitInfo,
}

func init() {
	kitCmd.AddCommand(kitListCmd, kitInfoCmd)
	rootCmd.AddCommand(kitCmd)
}

// kitEnv resolves the kit search dirs and the loaded-kit records for the
// current settings.
func kitEnv() (*config.KitSource, *config.Config, error) {
	settings := loadSettings()
	logger := newLogger(settings)
	mgr := config.NewManager(settings.ResolveConfigPath(), logger)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}
	return config.NewKitSource(settings.SearchPaths, mgr.Dir(), logger), cfg, nil
}

func runKitList(cmd *cobra.Command, args []string) error {
	source, cfg, err := kitEnv()
	if err != nil {
		return err
	}
	kits := source.List()
	if len(kits) == 0 {
		fmt.Println("no kits found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOADED\tSERVERS\tDESCRIPTION")
	for _, kit := range kits {
		loaded := "no"
		if _, ok := cfg.Kits[kit.Name]; ok {
			loaded = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", kit.Name, loaded, len(kit.Servers), kit.Description)
	}
	return w.Flush()
}

func runKitInfo(cmd *cobra.Command, args []string) error {
	source, cfg, err := kitEnv()
	if err != nil {
		return err
	}
	kit, err := source.Get(args[0])
	if err != nil {
		return err
	}
	_, loaded := cfg.Kits[kit.Name]

	fmt.Printf("name:        %s\n", kit.Name)
	if kit.Description != "" {
		fmt.Printf("description: %s\n", kit.Description)
	}
	fmt.Printf("path:        %s\n", kit.Path)
	fmt.Printf("loaded:      %v\n", loaded)
	if len(kit.Servers) == 0 {
		return nil
	}
	fmt.Println("servers:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, srv := range kit.Servers {
		launch := srv.Entry.URI
		if srv.Entry.Command != "" {
			launch = strings.TrimSpace(srv.Entry.Command + " " + strings.Join(srv.Entry.Args, " "))
		}
		state := ""
		if !srv.Entry.Enabled {
			state = "(disabled)"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", srv.Name, launch, state)
	}
	return w.Flush()
}
