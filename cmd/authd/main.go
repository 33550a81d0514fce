// Package main is the entrypoint for the auth service.
// Authd owns phone verification, credential issuance, and revocation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/taskhive/auth-core/internal/config"
	"github.com/taskhive/auth-core/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "authd",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Authd.HTTPPort },
		Setup:          setup,
	}, nil)
}
