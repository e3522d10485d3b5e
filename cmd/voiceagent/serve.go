package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/kb-voice-agent/internal/config"
	httpserver "github.com/chadiek/kb-voice-agent/internal/httpserver"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
)

func serveCmd() *cobra.Command {
	var (
		host       string
		port       int
		businessID string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the WebRTC, WebSocket and phone transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if host != "" || port != 0 {
				h, p, err := net.SplitHostPort(cfg.HTTPAddress)
				if err != nil {
					return err
				}
				if host != "" {
					h = host
				}
				if port != 0 {
					p = strconv.Itoa(port)
				}
				cfg.HTTPAddress = net.JoinHostPort(h, p)
			}
			if businessID != "" {
				cfg.BusinessID = businessID
			}
			if err := cfg.Validate(); err != nil {
				log.Fatal("invalid configuration", "err", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides HTTP_ADDRESS)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides HTTP_ADDRESS)")
	cmd.Flags().StringVar(&businessID, "business-id", "", "default tenant (overrides BUSINESS_ID)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	c, err := build(cfg, m)
	if err != nil {
		return err
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, checkTimeout)
	components, err := c.runner.Check(checkCtx)
	cancelCheck()
	if err != nil {
		log.Error("component check failed", "components", components, "err", err)
		return err
	}
	log.Info("bot ready", "business_id", cfg.BusinessID, "knowledge", c.runner.Knowledge().Mode())

	srv := httpserver.New(cfg, httpserver.Deps{Runner: c.runner, Metrics: m, Archive: c.archive})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	return nil
}
