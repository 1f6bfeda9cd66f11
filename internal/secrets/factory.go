package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config selects and parameterizes a secrets backend.
type Config struct {
	// Backend is "onepassword", "local", or "auto". Auto uses 1Password
	// when a Connect token is present, local otherwise.
	Backend string

	OnePassword OnePasswordConfig

	// LocalDir is the local backend's directory; empty uses the default.
	LocalDir string
}

// ConfigFromEnv reads the backend selection and Connect coordinates from
// the environment. backend comes from the config resolver so the YAML
// file can set it too.
func ConfigFromEnv(backend string) Config {
	return Config{
		Backend: backend,
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		LocalDir: os.Getenv("SWARM_SECRETS_DIR"),
	}
}

// New builds the configured Provider.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}
	switch backend {
	case "onepassword":
		return NewOnePasswordProvider(cfg.OnePassword, logger)
	case "local":
		return NewLocalProvider(cfg.LocalDir, logger)
	case "auto":
		if cfg.OnePassword.Token != "" {
			p, err := NewOnePasswordProvider(cfg.OnePassword, logger)
			if err == nil {
				return p, nil
			}
			logger.Warn("1Password backend unavailable, falling back to local", "error", err)
		}
		return NewLocalProvider(cfg.LocalDir, logger)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}
