package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2slack/internal/config"
	"github.com/shineum/mail2slack/internal/routing"
)

var routeCmd = &cobra.Command{
	Use:   "route [address]",
	Short: "Show the route for a recipient address",
	Long: `Resolve a recipient against the configured routing table and print the
route as JSON. Fallback routes apply exactly as they do for inbound mail.

Without an address every routed address is listed, with the fallback route
under "*".

Examples:
  mail2slack route
  mail2slack route support@example.com
  mail2slack route "<SUPPORT@example.com>"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoute,
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)
	if len(args) == 0 {
		return printRoutes(cmd.OutOrStdout(), cfg)
	}
	return printRoute(cmd.OutOrStdout(), cfg, args[0])
}

func printRoute(w io.Writer, cfg *config.Config, address string) error {
	store, err := cfg.OpenRoutes()
	if err != nil {
		return fmt.Errorf("failed to load routing table: %w", err)
	}

	route := routing.NewRouter(cfg.Routing.FallbackChannel).Resolve(address, store.Table())
	if route == nil {
		_, err := fmt.Fprintln(w, "no route")
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(route)
}

// printRoutes writes the whole table as one JSON object keyed by address.
func printRoutes(w io.Writer, cfg *config.Config) error {
	store, err := cfg.OpenRoutes()
	if err != nil {
		return fmt.Errorf("failed to load routing table: %w", err)
	}

	table := store.Table()
	router := routing.NewRouter(cfg.Routing.FallbackChannel)

	routes := make(map[string]*routing.RouteConfig, table.Len()+1)
	for _, addr := range table.Addresses() {
		routes[addr] = router.Resolve(addr, table)
	}
	if fb := router.Resolve(routing.FallbackKey, table); fb != nil {
		routes[routing.FallbackKey] = fb
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(routes)
}
