package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/mcp"
	"github.com/pario-ai/helmsman/pkg/store"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the spend archive as MCP tools on stdio or TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer func() { _ = st.Close() }()

			srv := mcp.NewServer(st, nil, version, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				err = srv.Run(ctx, os.Stdin, os.Stdout)
			} else {
				ln, lerr := net.Listen("tcp", listen)
				if lerr != nil {
					return lerr
				}
				logger.Info("serving MCP", "addr", ln.Addr().String())
				err = srv.Serve(ctx, ln)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "serve on this TCP address instead of stdio")
	return cmd
}
