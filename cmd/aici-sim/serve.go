package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/duncan020313/aici/aicirt"
)

func serveCmd() *cli.Command {
	var (
		addr      string
		vocabSize int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the policy controller over TCP",
		Flags: append(append(commonFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:7700",
				Destination: &addr,
			},
			&cli.Int64Flag{
				Name:        "vocab-size",
				Usage:       "vocabulary size used when the policy does not set one",
				Value:       1000,
				Destination: &vocabSize,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyCommonConfig(c, cfg)
			if cfg.VocabSize != nil && !c.IsSet("vocab-size") {
				vocabSize = *cfg.VocabSize
			}

			log := newLogger(os.Stderr, logFormat, logLevel)
			slog.SetDefault(log)

			pc, err := loadPolicy(vocabSize)
			if err != nil {
				return err
			}
			if err := pc.Validate(); err != nil {
				return err
			}
			return serve(ctx, addr, pc, log)
		},
	}
}

func serve(ctx context.Context, addr string, pc aicirt.PolicyConfig, log *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("controller listening", "addr", ln.Addr().String())
	return serveListener(ctx, ln, pc, log)
}

// serveListener accepts engines on ln until ctx is done and returns once
// every connection has been closed.
func serveListener(ctx context.Context, ln net.Listener, pc aicirt.PolicyConfig, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var g errgroup.Group
	defer func() {
		cancel()
		g.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		// every engine gets its own controller state
		remote := conn.RemoteAddr().String()
		policy, err := aicirt.NewPolicy(pc, log.With("remote", remote))
		if err != nil {
			conn.Close()
			return err
		}
		g.Go(func() error {
			defer conn.Close()
			log.Info("engine connected", "remote", remote)
			if err := aicirt.Serve(ctx, conn, policy); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("connection ended", "remote", remote, "error", err)
				return nil
			}
			log.Info("engine disconnected", "remote", remote)
			return nil
		})
	}
}
