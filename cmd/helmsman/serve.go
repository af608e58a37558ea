package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pario-ai/helmsman/pkg/audit"
	"github.com/pario-ai/helmsman/pkg/bridge"
	"github.com/pario-ai/helmsman/pkg/budget"
	cachedb "github.com/pario-ai/helmsman/pkg/cache/sqlite"
	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/conversation"
	"github.com/pario-ai/helmsman/pkg/mcp"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/orchestrator"
	"github.com/pario-ai/helmsman/pkg/provider"
	"github.com/pario-ai/helmsman/pkg/router"
	"github.com/pario-ai/helmsman/pkg/store"
	"github.com/spf13/cobra"
)

const flushTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat process and answer support tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
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

			clk := clock.Real()
			today := clk.Now().In(cfg.Location()).Format(time.DateOnly)
			var restore *models.BudgetDay
			saved, err := st.Day(context.Background(), today)
			switch {
			case err == nil:
				restore = &saved
			case !errors.Is(err, store.ErrNotFound):
				logger.Warn("load today's ledger", "date", today, "error", err)
			}

			mon := budget.New(budget.Options{
				DailyLimit:  cfg.Budget.DailyLimit,
				HistoryDays: cfg.Budget.HistoryDays,
				Location:    cfg.Location(),
				Prices:      budget.NewPriceTable(cfg.Budget.Pricing, cfg.Budget.ReferenceModel),
				Archiver:    st,
				Restore:     restore,
				Clock:       clk,
				Logger:      logger.With("component", "budget"),
			})
			mon.OnAlert(func(level models.AlertLevel, s models.BudgetStatus) {
				logger.Warn("budget alert",
					"level", int(level),
					"spent", s.Spent,
					"limit", s.Limit,
					"percent", s.Percent,
				)
			})
			mon.OnHardStop(func(s models.BudgetStatus) {
				logger.Error("daily budget exhausted, replies paused until midnight",
					"spent", s.Spent,
					"limit", s.Limit,
				)
			})

			rt := router.New(cfg.Router, clk)
			convs := conversation.New(conversation.Options{
				MaxHistory:  cfg.Context.MaxHistory,
				MaxMemories: cfg.Context.MaxMemories,
				Clock:       clk,
				Logger:      logger.With("component", "context"),
			})

			prov, err := provider.NewOpenAI(cfg.Provider.URL, cfg.Provider.APIKey, &http.Client{Timeout: 2 * time.Minute})
			if err != nil {
				return fmt.Errorf("init provider: %w", err)
			}

			bc := bridge.NewClient(bridge.ClientOptions{
				Addr:           cfg.Bridge.Addr,
				Token:          cfg.Bridge.Token,
				CallTimeout:    cfg.Bridge.CallTimeout,
				MaxRetries:     cfg.Bridge.MaxRetries,
				InitialBackoff: cfg.Bridge.InitialBackoff,
				MaxBackoff:     cfg.Bridge.MaxBackoff,
				Clock:          clk,
				Logger:         logger.With("component", "bridge"),
			})
			bc.OnStateChange(func(s bridge.State) {
				logger.Debug("bridge state changed", "state", s.String())
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := orchestrator.Options{
				Router:          rt,
				Budget:          mon,
				Conversations:   convs,
				Provider:        prov,
				Bridge:          bc,
				Instance:        bc.Instance(),
				MaxAttempts:     cfg.Router.MaxAttempts,
				ConfidenceFloor: cfg.Context.ConfidenceFloor,
				MaxExchanges:    cfg.Context.MaxExchanges,
				Clock:           clk,
				Logger:          logger.With("component", "orchestrator"),
			}
			if cfg.MCP.Enabled {
				mc := mcp.NewClient(mcp.ClientOptions{
					Addr:    cfg.MCP.Addr,
					Timeout: cfg.MCP.Timeout,
					Name:    "helmsman",
					Version: version,
					Clock:   clk,
					Logger:  logger.With("component", "mcp"),
				})
				// Memories are skipped while the tool server is down.
				go func() {
					_ = mc.Maintain(ctx, cfg.Bridge.InitialBackoff, cfg.Bridge.MaxBackoff)
				}()
				defer func() { _ = mc.Disconnect() }()
				opts.Tools = mc
				opts.MemoryTool = cfg.MCP.MemoryTool
			}

			if cfg.Cache.Enabled {
				c, err := cachedb.New(cfg.DBPath, cfg.Cache.TTL, clk)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = c.Close() }()
				opts.Cache = c
			}
			if cfg.Audit.Enabled {
				al, err := audit.New(cfg.Audit, clk)
				if err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = al.Close() }()
				opts.Audit = al
			}

			orch, err := orchestrator.New(opts)
			if err != nil {
				return err
			}
			orch.Register()

			if cfg.Context.SweepInterval > 0 && cfg.Context.IdleTimeout > 0 {
				go convs.RunSweeper(ctx, cfg.Context.SweepInterval, cfg.Context.IdleTimeout)
			}

			logger.Info("starting helmsman",
				"config", configPath,
				"bridge", cfg.Bridge.Addr,
				"daily_limit", cfg.Budget.DailyLimit,
				"instance", bc.Instance(),
			)
			runErr := bc.Run(ctx)
			stop()

			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := mon.Flush(flushCtx); err != nil {
				logger.Error("flush budget ledger", "error", err)
			}

			if errors.Is(runErr, context.Canceled) {
				logger.Info("shutting down")
				return nil
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}
