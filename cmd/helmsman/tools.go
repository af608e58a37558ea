package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/mcp"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		call       string
		rawArgs    string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered by the configured MCP server, or call one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.MCP.Addr
			}
			if addr == "" {
				return fmt.Errorf("no MCP server address: set mcp.addr or pass --addr")
			}

			client := mcp.NewClient(mcp.ClientOptions{
				Addr:    addr,
				Timeout: cfg.MCP.Timeout,
				Name:    "helmsman-cli",
				Version: version,
			})
			ctx := context.Background()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			defer func() { _ = client.Disconnect() }()

			if call != "" {
				var toolArgs any
				if rawArgs != "" {
					if !json.Valid([]byte(rawArgs)) {
						return fmt.Errorf("--args is not valid JSON")
					}
					toolArgs = json.RawMessage(rawArgs)
				}
				res, err := client.CallTool(ctx, call, toolArgs)
				if err != nil {
					return err
				}
				fmt.Println(res.Text())
				if res.IsError {
					return fmt.Errorf("tool %s reported an error", call)
				}
				return nil
			}

			info := client.ServerInfo()
			fmt.Printf("%s %s\n\n", info.Name, info.Version)

			tools := client.Tools()
			if len(tools) == 0 {
				fmt.Println("Server offers no tools.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "MCP server address (overrides mcp.addr)")
	cmd.Flags().StringVar(&call, "call", "", "call this tool instead of listing")
	cmd.Flags().StringVar(&rawArgs, "args", "", "JSON arguments for --call")
	return cmd
}
