package auth

import (
	"context"

	"github.com/fleetd-io/fleetd/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // internal user ID (builtin) or external provider subject
	Username string
	Role     string // "admin" or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}
