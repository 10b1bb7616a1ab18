package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	gwconfig "github.com/giantswarm/mcp-gateway/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate gateway configuration",
	}
	configCmd.AddCommand(newConfigValidateCmd())
	configCmd.AddCommand(newConfigInitCmd())
	return configCmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <settings.yaml>",
		Short: "Write a gateway settings file populated with the built-in defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gwconfig.WriteDefaultSettings(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default settings to %s\n", args[0])
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <mcpServers.json>",
		Short: "Validate an mcpServers document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upstreams, err := gwconfig.LoadUpstreams(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d upstream(s) defined, all valid\n", args[0], len(upstreams))
			for _, u := range upstreams {
				kind := "http+sse"
				if u.IsStdio() {
					kind = "stdio"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s (%s, enabled=%v, source=%q)\n", u.Name, kind, u.Enabled, u.Source)
			}
			return nil
		},
	}
}
