package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/s1366560/overseer/internal/config"
	"github.com/s1366560/overseer/internal/decision"
	"github.com/s1366560/overseer/internal/router"
)

var routeKeywordsOnly bool

var routeCmd = &cobra.Command{
	Use:   "route <query>",
	Short: "Show which sub-agent a query would route to",
	Long: `Route a query without executing anything.

Prints the selected sub-agent, the confidence, and whether the decision
came from keyword matching or the remote classifier. Use
--keywords-only to skip the remote classifier entirely.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().BoolVar(&routeKeywordsOnly, "keywords-only", false, "Skip the remote classifier")
}

func runRoute(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	agents, err := loadAgents(cfg)
	if err != nil {
		return err
	}

	var classifier decision.Client
	if !routeKeywordsOnly {
		apiKey, err := config.GetAPIKey(cfg)
		if err != nil {
			return err
		}
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		classifier = decision.NewClaudeClient(client, cfg.Anthropic.Model)
	}

	d := router.New(classifier, router.Config{
		SkipThreshold:       cfg.Router.SkipThreshold,
		RemoteMinConfidence: cfg.Router.RemoteMinConfidence,
		KeywordFloor:        cfg.Router.KeywordFloor,
	}).Route(context.Background(), query, "", agents)

	if d.SubAgent == "" {
		fmt.Println("No sub-agent matched.")
		if d.Reasoning != "" {
			fmt.Printf("  %s\n", d.Reasoning)
		}
		return nil
	}

	fmt.Printf("Sub-agent:  %s\n", d.SubAgent)
	fmt.Printf("Confidence: %.2f\n", d.Confidence)
	fmt.Printf("Source:     %s\n", d.Source)
	if len(d.MatchedKeywords) > 0 {
		fmt.Printf("Keywords:   %s\n", strings.Join(d.MatchedKeywords, ", "))
	}
	if d.Reasoning != "" {
		fmt.Printf("Reasoning:  %s\n", d.Reasoning)
	}
	return nil
}
