package main

import (
	"context"
	"fmt"
	"log/slog"

	"monadic-chat/internal/adapter/tool"
	"monadic-chat/internal/infra/config"
)

// ToolComponents holds the tool registry and the MCP connections behind it.
type ToolComponents struct {
	Registry *tool.Registry
	mcp      *tool.MCPBridge
}

// Close disconnects MCP servers.
func (t *ToolComponents) Close() {
	if t.mcp != nil {
		t.mcp.Close()
	}
}

// initTools registers the built-in tools and every reachable MCP server tool.
func initTools(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ToolComponents, error) {
	registry := tool.NewRegistry(log,
		tool.WithTimeout(cfg.Engine.ToolTimeout),
		tool.WithRateLimiter(tool.NewRateLimiter(cfg.Tools.RateLimit)),
	)
	tc := &ToolComponents{Registry: registry}

	if cfg.Tools.WebFetch.Enabled {
		if err := registry.Register(tool.NewWebFetchTool(cfg.Tools.WebFetch, log)); err != nil {
			return nil, err
		}
	}

	if len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
		tc.mcp = bridge
		for _, t := range bridge.Tools() {
			if err := registry.Register(t); err != nil {
				log.Warn("mcp tool skipped", "tool", t.Name(), "error", err)
			}
		}
	}

	log.Info("tools registered", "tools", registry.Names())
	return tc, nil
}
