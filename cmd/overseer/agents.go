package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered sub-agent definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("%d sub-agent(s) from %s\n\n", len(agents), cfg.Agents.Dir)
		for _, a := range agents {
			fmt.Printf("  %s\n", a.Name)
			if a.Description != "" {
				fmt.Printf("    %s\n", a.Description)
			}
			if len(a.Keywords) > 0 {
				fmt.Printf("    keywords: %s\n", strings.Join(a.Keywords, ", "))
			}
			if a.Model != "" {
				fmt.Printf("    model: %s\n", a.Model)
			}
		}
		return nil
	},
}
