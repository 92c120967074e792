package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/peerlink/internal/config"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/logging"
	"github.com/danmuck/peerlink/internal/node"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and run its configured kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "peerlink.toml", "node config path")
	return cmd
}

// runNode wires one node from cfg and blocks until its kernel completes or
// ctx is cancelled.
func runNode(ctx context.Context, cfg config.NodeConfig) error {
	store, err := cfg.OpenAccounts()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	tr, err := transport.NewTCP(cfg.TCPConfig(store))
	if err != nil {
		return err
	}
	k, err := kernel.Build(cfg.KernelSpec())
	if err != nil {
		tr.Close()
		return err
	}
	n, err := node.New(cfg.Node(), tr, k)
	if err != nil {
		tr.Close()
		return err
	}

	go logEvents(n.Events())
	log.Info().Msgf("peerlink.run id=%s kernel=%s addr=%s admin=%s", cfg.ID, k.Kind(), tr.Addr(), cfg.AdminAddr)
	err = n.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msgf("peerlink.run id=%s stopped", cfg.ID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Msgf("peerlink.run id=%s kernel=%s complete", cfg.ID, k.Kind())
	return nil
}

func logEvents(events <-chan kernel.Event) {
	for ev := range events {
		if ev.Err != nil {
			log.Warn().Msgf("peerlink.event %s", ev)
			continue
		}
		log.Debug().Msgf("peerlink.event %s", ev)
	}
}
