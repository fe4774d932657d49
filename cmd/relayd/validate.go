package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/relay"
)

func newValidateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}

			interfaces := make(map[string][2]int)
			for _, ic := range cfg.Instances {
				n := interfaces[ic.Interface]
				if ic.Role == relay.RoleSource {
					n[0]++
				} else {
					n[1]++
				}
				interfaces[ic.Interface] = n
			}
			names := make([]string, 0, len(interfaces))
			for name := range interfaces {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration is valid: %d instances\n", len(cfg.Instances))
			for _, name := range names {
				n := interfaces[name]
				fmt.Fprintf(out, "  %s: %d sources, %d destinations\n", name, n[0], n[1])
				if n[1] == 0 {
					fmt.Fprintf(out, "    warning: no destination, messages are never purged\n")
				}
			}
			return nil
		},
	}
}
