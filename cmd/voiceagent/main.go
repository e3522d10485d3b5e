package main

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/kb-voice-agent/internal/bot"
	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
	"github.com/chadiek/kb-voice-agent/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		level   string
		jsonOut bool
	)
	root := &cobra.Command{
		Use:          "voiceagent",
		Short:        "Voice assistant that answers callers from a business knowledge base",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Include sub-second precision in all log timestamps
			log.SetReportTimestamp(true)
			log.SetTimeFormat("2006-01-02 15:04:05.000000")
			if jsonOut || os.Getenv("LOG_JSON") == "true" {
				log.SetFormatter(log.JSONFormatter)
			}
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			if level == "" {
				return nil
			}
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL or info)")
	root.PersistentFlags().BoolVar(&jsonOut, "log-json", false, "emit JSON log lines")

	root.AddCommand(
		serveCmd(),
		checkCmd(),
		lookupCmd(),
	)
	return root
}

// components are the long-lived pieces shared by every command.
type components struct {
	cfg     config.Config
	metrics *metrics.Metrics
	archive store.Archive
	runner  *bot.Runner
}

// build wires the runner from cfg. Supabase is optional; without it calls
// use the default prompt and nothing is archived.
func build(cfg config.Config, m *metrics.Metrics) (*components, error) {
	c := &components{cfg: cfg, metrics: m}
	var profiles store.Profiles
	if cfg.SupabaseEnabled() {
		sb, err := store.New(store.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			return nil, err
		}
		profiles, c.archive = sb, sb
	}
	c.runner = bot.NewRunner(cfg, bot.KnowledgeClient(cfg, m), profiles, c.archive, m)
	return c, nil
}

const checkTimeout = 10 * time.Second
