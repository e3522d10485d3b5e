package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/knowledge"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Build every call component once and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			c, err := build(cfg, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()
			components, err := c.runner.Check(ctx)
			names := make([]string, 0, len(components))
			for name := range components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, components[name])
			}
			return err
		},
	}
}

func lookupCmd() *cobra.Command {
	var (
		businessID string
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "lookup <query>",
		Short: "Ask the knowledge base one question and print the spoken answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if mode != "" {
				if _, err := knowledge.ParseMode(mode); err != nil {
					return err
				}
				cfg.KnowledgeMode = mode
			}
			if businessID == "" {
				businessID = cfg.BusinessID
			}
			c, err := build(cfg, nil)
			if err != nil {
				return err
			}
			res := c.runner.Knowledge().Search(cmd.Context(), args[0], businessID)
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			if res.Err != nil {
				return fmt.Errorf("lookup %s: %w", res.Outcome, res.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&businessID, "business-id", "", "tenant to query (default $BUSINESS_ID)")
	cmd.Flags().StringVar(&mode, "mode", "", "request shape: framed or flat (default $KB_MODE)")
	return cmd
}
