package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/mcp"
)

// mcpDeps builds the MCP tool dependencies. Control tools reach the running
// service at addr; the rest work on the local database.
func mcpDeps(ctx context.Context, env *appEnv, addr string) (mcp.Deps, error) {
	reg, err := env.registry()
	if err != nil {
		return mcp.Deps{}, err
	}
	keys, err := env.resolver(reg)
	if err != nil {
		return mcp.Deps{}, err
	}
	store, err := env.store(ctx)
	if err != nil {
		return mcp.Deps{}, err
	}
	remote, err := env.ingest()
	if err != nil {
		return mcp.Deps{}, err
	}
	ctl, err := env.controller(addr)
	if err != nil {
		return mcp.Deps{}, err
	}
	return mcp.Deps{
		Controller: ctl,
		Cache:      env.cache(),
		State:      store,
		Keys:       keys,
		Account:    remote,
		Classifier: remote,
		Profiles:   reg,
	}, nil
}

// runMCP serves the MCP tools over stdio until stdin closes.
func runMCP(env *appEnv, addr string) error {
	if unknown := mcp.ValidateDisabledTools(env.cfg.DisabledTools); len(unknown) > 0 {
		env.logger.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}
	if unknown := mcp.ValidateDisabledTypes(env.cfg.DisabledTypes); len(unknown) > 0 {
		env.logger.Warn("unknown types in disabled_types", zap.Strings("types", unknown))
	}

	deps, err := mcpDeps(context.Background(), env, addr)
	if err != nil {
		return err
	}
	return mcp.Run(deps, env.cfg, Version)
}
