package auth

import (
	"context"
	"fmt"

	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(ctx context.Context, cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "oidc":
		return NewOIDCProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
